// Package darknet models parsed Darknet networks: the layer list with each
// layer's geometry, flags, and raw weight buffers. It also loads the two
// Darknet file formats, the .cfg network description and the .weights
// parameter dump.
package darknet

// LayerType identifies the kind of a Darknet layer. The numbering follows
// Darknet's own layer-type enum.
type LayerType int

const (
	Convolutional LayerType = iota
	Deconvolutional
	Connected
	Maxpool
	Softmax
	Detection
	Dropout
	Crop
	Route
	Cost
	Normalization
	Avgpool
	Local
	Shortcut
	Active
	RNN
	GRU
	LSTM
	CRNN
	BatchNorm
	Network
	XNOR
	Region
	YOLO
	Reorg
	Upsample
	LogXent
	L2Norm
	Blank
)

func (lt LayerType) String() string {
	switch lt {
	case Convolutional:
		return "Convolutional"
	case Deconvolutional:
		return "Deconvolutional"
	case Connected:
		return "Connected"
	case Maxpool:
		return "Maxpool"
	case Softmax:
		return "Softmax"
	case Detection:
		return "Detection"
	case Dropout:
		return "Dropout"
	case Crop:
		return "Crop"
	case Route:
		return "Route"
	case Cost:
		return "Cost"
	case Normalization:
		return "Normalization"
	case Avgpool:
		return "Avgpool"
	case Local:
		return "Local"
	case Shortcut:
		return "Shortcut"
	case Active:
		return "Active"
	case RNN:
		return "RNN"
	case GRU:
		return "GRU"
	case LSTM:
		return "LSTM"
	case CRNN:
		return "CRNN"
	case BatchNorm:
		return "BatchNorm"
	case Network:
		return "Network"
	case XNOR:
		return "XNOR"
	case Region:
		return "Region"
	case YOLO:
		return "YOLO"
	case Reorg:
		return "Reorg"
	case Upsample:
		return "Upsample"
	case LogXent:
		return "LogXent"
	case L2Norm:
		return "L2Norm"
	case Blank:
		return "Blank"
	default:
		return "Unknown"
	}
}

// Activation identifies a Darknet activation function tag.
type Activation int

const (
	Logistic Activation = iota
	ReLU
	ReLIE
	Linear
	Ramp
	Tanh
	PLSE
	Leaky
	ELU
	Loggy
	Stair
	HardTan
	LHTan
)

func (a Activation) String() string {
	switch a {
	case Logistic:
		return "logistic"
	case ReLU:
		return "relu"
	case ReLIE:
		return "relie"
	case Linear:
		return "linear"
	case Ramp:
		return "ramp"
	case Tanh:
		return "tanh"
	case PLSE:
		return "plse"
	case Leaky:
		return "leaky"
	case ELU:
		return "elu"
	case Loggy:
		return "loggy"
	case Stair:
		return "stair"
	case HardTan:
		return "hardtan"
	case LHTan:
		return "lhtan"
	default:
		return "unknown"
	}
}

// Layer is one stage of a parsed Darknet network. Only the fields relevant
// to the layer's Type are populated; the rest stay zero. Layers are treated
// as read-only once the network is assembled.
type Layer struct {
	Type       LayerType
	Activation Activation

	// Input and output geometry.
	Batch            int
	W, H, C          int
	OutW, OutH, OutC int

	// Convolution / pooling parameters.
	N      int // filter count, or anchor count for region/yolo
	Size   int // square kernel size
	Stride int
	Pad    int
	Groups int

	// Connected layer geometry.
	Inputs  int
	Outputs int

	// Batch-norm fusion flags.
	BatchNormalize bool
	DontLoadScales bool

	// Raw parameter buffers, flat in Darknet's serialization order.
	NWeights        int
	NBiases         int
	Weights         []float32
	Biases          []float32
	Scales          []float32
	RollingMean     []float32
	RollingVariance []float32

	Probability float32 // dropout rate
	Temperature float32 // softmax temperature

	// Back-references: Index for shortcut, InputLayers for route.
	Index       int
	InputLayers []int

	// Detection head fields.
	Classes    int
	Coords     int
	Background bool
	Softmax    bool
	Total      int
	Mask       []int32

	// Recurrent layer fields.
	Steps int
	Tanh  bool // GRU candidate activation choice

	// Gate sub-layers for the recurrent kinds.
	InputLayer, SelfLayer, OutputLayer *Layer // RNN, CRNN
	Wz, Wr, Wh, Uz, Ur, Uh             *Layer // GRU
	Wf, Wi, Wg, Wo, Uf, Ui, Ug, Uo     *Layer // LSTM
}

// Net is a parsed Darknet network: input geometry plus the ordered layer
// list.
type Net struct {
	W, H, C int
	Batch   int
	Layers  []*Layer
}

// NumLayers returns the layer count.
func (n *Net) NumLayers() int { return len(n.Layers) }
