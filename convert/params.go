package convert

import (
	"github.com/tsawler/go-darknet/darknet"
	"github.com/tsawler/go-darknet/tensor"
)

// paramName builds the parameter-table key for one role of an op. Keys
// never collide across layers because op names are unique per graph.
func paramName(opname, role string) string {
	return opname + "_" + role
}

// readBuffer copies a raw float buffer into a freshly shaped tensor,
// preserving the source's flat order exactly. A buffer whose length does
// not match the declared shape fails loudly: a silent mismatch would mean
// a corrupted or incompatible source model.
func (b *GraphBuilder) readBuffer(shape []int, data []float32) (*tensor.Tensor, error) {
	length := 1
	for _, d := range shape {
		length *= d
	}
	if len(data) != length {
		return nil, invalidAttrf("weights", "buffer holds %d values, shape %v needs %d", len(data), shape, length)
	}
	out := make([]float32, length)
	copy(out, data)
	return tensor.NewTensor(shape, b.dtype, out)
}

func readInt32Buffer(shape []int, data []int32) (*tensor.Tensor, error) {
	length := 1
	for _, d := range shape {
		length *= d
	}
	if len(data) != length {
		return nil, invalidAttrf("weights", "buffer holds %d values, shape %v needs %d", len(data), shape, length)
	}
	out := make([]int32, length)
	copy(out, data)
	return tensor.NewTensor(shape, tensor.Int32, out)
}

// extractParams reads the layer's raw buffers into named tensors. Only
// convolution, connected, region and yolo layers carry parameters.
func (b *GraphBuilder) extractParams(layer *darknet.Layer, names map[int]string) error {
	switch layer.Type {
	case darknet.Convolutional:
		return b.convolutionWeights(layer, names)
	case darknet.Connected:
		return b.connectedWeights(layer, names)
	case darknet.Region:
		return b.regionWeights(layer, names[0])
	case darknet.YOLO:
		return b.yoloWeights(layer, names[0])
	default:
		return nil
	}
}

func (b *GraphBuilder) convolutionWeights(layer *darknet.Layer, names map[int]string) error {
	if layer.NWeights == 0 {
		return nil
	}
	if layer.N*layer.C*layer.Size*layer.Size != layer.NWeights {
		return invalidAttrf(names[0], "nweights (%d) != n * c * h * w (%d)",
			layer.NWeights, layer.N*layer.C*layer.Size*layer.Size)
	}

	weights, err := b.readBuffer([]int{layer.N, layer.C, layer.Size, layer.Size}, layer.Weights)
	if err != nil {
		return err
	}
	biases, err := b.readBuffer([]int{layer.N}, layer.Biases)
	if err != nil {
		return err
	}
	b.params[paramName(names[0], "weight")] = weights

	if layer.BatchNormalize && !layer.DontLoadScales {
		if err := b.batchNormWeights(layer, names[1], layer.N); err != nil {
			return err
		}
		b.params[paramName(names[1], "beta")] = biases
	} else {
		b.params[paramName(names[0], "bias")] = biases
	}
	return nil
}

func (b *GraphBuilder) connectedWeights(layer *darknet.Layer, names map[int]string) error {
	if layer.Outputs*layer.Inputs == 0 {
		return nil
	}

	weights, err := b.readBuffer([]int{layer.Outputs, layer.Inputs}, layer.Weights)
	if err != nil {
		return err
	}
	biases, err := b.readBuffer([]int{layer.Outputs}, layer.Biases)
	if err != nil {
		return err
	}
	b.params[paramName(names[0], "weight")] = weights

	if layer.BatchNormalize && !layer.DontLoadScales {
		if err := b.batchNormWeights(layer, names[1], layer.Outputs); err != nil {
			return err
		}
		b.params[paramName(names[1], "beta")] = biases
	} else {
		b.params[paramName(names[0], "bias")] = biases
	}
	return nil
}

func (b *GraphBuilder) batchNormWeights(layer *darknet.Layer, name string, size int) error {
	scales, err := b.readBuffer([]int{size}, layer.Scales)
	if err != nil {
		return err
	}
	mean, err := b.readBuffer([]int{size}, layer.RollingMean)
	if err != nil {
		return err
	}
	variance, err := b.readBuffer([]int{size}, layer.RollingVariance)
	if err != nil {
		return err
	}
	b.params[paramName(name, "moving_mean")] = mean
	b.params[paramName(name, "moving_var")] = variance
	b.params[paramName(name, "gamma")] = scales
	return nil
}

func (b *GraphBuilder) regionWeights(layer *darknet.Layer, name string) error {
	biases, err := b.readBuffer([]int{layer.N * 2}, layer.Biases)
	if err != nil {
		return err
	}
	background := int32(0)
	if layer.Background {
		background = 1
	}
	attrs, err := readInt32Buffer([]int{7}, []int32{
		int32(layer.N), int32(layer.OutC), int32(layer.OutH), int32(layer.OutW),
		int32(layer.Classes), int32(layer.Coords), background,
	})
	if err != nil {
		return err
	}
	b.params[paramName(name, "bias")] = biases
	b.params[paramName(name, "attr")] = attrs
	return nil
}

func (b *GraphBuilder) yoloWeights(layer *darknet.Layer, name string) error {
	biases, err := b.readBuffer([]int{layer.Total * 2}, layer.Biases)
	if err != nil {
		return err
	}
	mask, err := readInt32Buffer([]int{layer.N}, layer.Mask)
	if err != nil {
		return err
	}
	attrs, err := readInt32Buffer([]int{6}, []int32{
		int32(layer.N), int32(layer.OutC), int32(layer.OutH), int32(layer.OutW),
		int32(layer.Classes), int32(layer.Total),
	})
	if err != nil {
		return err
	}
	b.params[paramName(name, "bias")] = biases
	b.params[paramName(name, "mask")] = mask
	b.params[paramName(name, "attr")] = attrs
	return nil
}
