package detector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"
)

// inferenceResponse is the wire format of the local inference service.
type inferenceResponse struct {
	Detections []struct {
		Class      string    `json:"class"`
		Confidence float32   `json:"confidence"`
		BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
	} `json:"detections"`
	Count           int     `json:"count"`
	InferenceTimeMs float32 `json:"inference_time_ms"`
	Device          string  `json:"device"`
}

// healthResponse is the inference service health payload.
type healthResponse struct {
	Status       string `json:"status"`
	Device       string `json:"device"`
	GPUAvailable bool   `json:"gpu_available"`
	ModelLoaded  bool   `json:"model_loaded"`
}

// HTTPEngineFactory builds engines backed by the local inference sidecar.
// The accelerated backend is available when the sidecar reports a usable
// GPU in its health payload.
type HTTPEngineFactory struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEngineFactory creates a factory for the given sidecar endpoint.
func NewHTTPEngineFactory(endpoint string) *HTTPEngineFactory {
	return &HTTPEngineFactory{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 15 * time.Second, // longer timeout for GPU inference
		},
	}
}

// Supports asks the sidecar health endpoint for backend capability.
func (f *HTTPEngineFactory) Supports(b Backend) bool {
	health, err := f.health()
	if err != nil {
		return false
	}
	switch b {
	case BackendAccelerated:
		return health.GPUAvailable
	case BackendStandard:
		return true
	default:
		return false
	}
}

// New constructs an engine bound to the sidecar. The sidecar must be
// reachable and have a model loaded; otherwise construction fails.
func (f *HTTPEngineFactory) New(opts EngineOptions) (Engine, error) {
	health, err := f.health()
	if err != nil {
		return nil, fmt.Errorf("inference service unavailable: %w", err)
	}
	if !health.ModelLoaded {
		return nil, fmt.Errorf("inference service has no model loaded")
	}
	if opts.Backend == BackendAccelerated && !health.GPUAvailable {
		return nil, fmt.Errorf("accelerated backend requested but not available")
	}

	device := "cpu"
	if opts.Backend == BackendAccelerated {
		device = "gpu"
	}

	return &httpEngine{
		endpoint:  f.endpoint,
		client:    f.client,
		device:    device,
		model:     filepath.Base(opts.ModelPath),
		threshold: opts.ScoreThreshold,
		max:       opts.MaxResults,
	}, nil
}

func (f *HTTPEngineFactory) health() (*healthResponse, error) {
	resp, err := f.client.Get(f.endpoint + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// httpEngine posts JPEG-encoded frames to the sidecar detect endpoint.
type httpEngine struct {
	endpoint  string
	client    *http.Client
	device    string
	model     string
	threshold float32
	max       int
	closed    bool
}

func (e *httpEngine) Infer(img *image.RGBA) ([]RawDetection, error) {
	if e.closed {
		return nil, fmt.Errorf("engine is closed")
	}

	var frame bytes.Buffer
	if err := jpeg.Encode(&frame, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	fw.Write(frame.Bytes())
	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", e.threshold))
	w.WriteField("max_results", fmt.Sprintf("%d", e.max))
	w.WriteField("model", e.model)
	w.WriteField("device", e.device)
	w.Close()

	req, err := http.NewRequest(http.MethodPost, e.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("detection failed: %s", string(body))
	}

	var result inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	raw := make([]RawDetection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if len(d.BBox) != 4 {
			continue
		}
		raw = append(raw, RawDetection{
			Box: BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]},
			Categories: []Category{
				{Label: d.Class, Score: d.Confidence},
			},
		})
	}
	return raw, nil
}

func (e *httpEngine) Close() error {
	e.closed = true
	return nil
}

var _ EngineFactory = (*HTTPEngineFactory)(nil)
var _ Engine = (*httpEngine)(nil)
