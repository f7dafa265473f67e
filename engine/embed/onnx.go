package embed

import (
	"fmt"
	"os"
	"sync"

	"github.com/WessleyAI/wessley-photos/engine/domain"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXOptions locates the exported CLIP towers and names their tensors.
type ONNXOptions struct {
	ImageModelPath    string
	TextModelPath     string
	SharedLibraryPath string
	ImageInput        string
	ImageOutput       string
	TextInput         string
	TextOutput        string
	ImageSize         int
	Dimension         int
	IntraOpThreads    int
}

func (o *ONNXOptions) defaults() {
	if o.ImageInput == "" {
		o.ImageInput = "pixel_values"
	}
	if o.ImageOutput == "" {
		o.ImageOutput = "image_embeds"
	}
	if o.TextInput == "" {
		o.TextInput = "input_ids"
	}
	if o.TextOutput == "" {
		o.TextOutput = "text_embeds"
	}
	if o.ImageSize <= 0 {
		o.ImageSize = DefaultImageSize
	}
}

var (
	ortInitMu    sync.Mutex
	ortInitCount int
)

// ONNXEngine runs both towers through ONNX Runtime. Sessions are created once
// and shared; onnxruntime allows concurrent Run calls on one session.
type ONNXEngine struct {
	opts  ONNXOptions
	image *ort.DynamicAdvancedSession
	text  *ort.DynamicAdvancedSession
}

// NewONNXEngine loads both model files. A missing or unreadable model is a
// *domain.ConfigError; callers are expected to abort startup.
func NewONNXEngine(opts ONNXOptions) (*ONNXEngine, error) {
	opts.defaults()
	if !ValidDimension(opts.Dimension) {
		return nil, domain.NewConfigError("embed onnx", "", fmt.Errorf("%w: dimension %d", domain.ErrInvalidConfig, opts.Dimension))
	}
	for _, p := range []string{opts.ImageModelPath, opts.TextModelPath} {
		if err := checkModelFile(p); err != nil {
			return nil, err
		}
	}

	if err := acquireRuntime(opts.SharedLibraryPath); err != nil {
		return nil, domain.NewConfigError("embed onnx", opts.SharedLibraryPath, err)
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		releaseRuntime()
		return nil, domain.NewConfigError("embed onnx", "", err)
	}
	defer sessOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			releaseRuntime()
			return nil, domain.NewConfigError("embed onnx", "", err)
		}
	}

	image, err := ort.NewDynamicAdvancedSession(opts.ImageModelPath,
		[]string{opts.ImageInput}, []string{opts.ImageOutput}, sessOpts)
	if err != nil {
		releaseRuntime()
		return nil, domain.NewConfigError("embed onnx image", opts.ImageModelPath, fmt.Errorf("%w: %v", domain.ErrMalformedAsset, err))
	}
	text, err := ort.NewDynamicAdvancedSession(opts.TextModelPath,
		[]string{opts.TextInput}, []string{opts.TextOutput}, sessOpts)
	if err != nil {
		image.Destroy()
		releaseRuntime()
		return nil, domain.NewConfigError("embed onnx text", opts.TextModelPath, fmt.Errorf("%w: %v", domain.ErrMalformedAsset, err))
	}

	return &ONNXEngine{opts: opts, image: image, text: text}, nil
}

// ImageEmbedding implements Engine.
func (e *ONNXEngine) ImageEmbedding(pixels []float32) ([]float32, error) {
	s := int64(e.opts.ImageSize)
	in, err := ort.NewTensor(ort.NewShape(1, 3, s, s), pixels)
	if err != nil {
		return nil, fmt.Errorf("onnx: image input tensor: %w", err)
	}
	defer in.Destroy()
	return e.run(e.image, in)
}

// TextEmbedding implements Engine.
func (e *ONNXEngine) TextEmbedding(ids []int64) ([]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(1, int64(len(ids))), ids)
	if err != nil {
		return nil, fmt.Errorf("onnx: text input tensor: %w", err)
	}
	defer in.Destroy()
	return e.run(e.text, in)
}

func (e *ONNXEngine) run(sess *ort.DynamicAdvancedSession, in ort.Value) ([]float32, error) {
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(e.opts.Dimension)))
	if err != nil {
		return nil, fmt.Errorf("onnx: output tensor: %w", err)
	}
	defer out.Destroy()

	if err := sess.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	data := out.GetData()
	vec := make([]float32, len(data))
	copy(vec, data)
	return vec, nil
}

// Close destroys both sessions and, for the last engine, the runtime.
func (e *ONNXEngine) Close() error {
	var firstErr error
	for _, s := range []*ort.DynamicAdvancedSession{e.image, e.text} {
		if s == nil {
			continue
		}
		if err := s.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	releaseRuntime()
	return firstErr
}

func checkModelFile(path string) error {
	if path == "" {
		return domain.NewConfigError("embed onnx", path, fmt.Errorf("%w: model path not configured", domain.ErrMissingAsset))
	}
	info, err := os.Stat(path)
	if err != nil {
		return domain.NewConfigError("embed onnx", path, fmt.Errorf("%w: %v", domain.ErrMissingAsset, err))
	}
	if info.IsDir() || info.Size() == 0 {
		return domain.NewConfigError("embed onnx", path, fmt.Errorf("%w: not a model file", domain.ErrMalformedAsset))
	}
	return nil
}

func acquireRuntime(libPath string) error {
	ortInitMu.Lock()
	defer ortInitMu.Unlock()
	if ortInitCount == 0 && !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}
	ortInitCount++
	return nil
}

func releaseRuntime() {
	ortInitMu.Lock()
	defer ortInitMu.Unlock()
	if ortInitCount == 0 {
		return
	}
	ortInitCount--
	if ortInitCount == 0 && ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}
