package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/archrelight/archrelight/internal/inputs"
	"github.com/archrelight/archrelight/internal/jobs"
	"github.com/archrelight/archrelight/internal/models"
	"github.com/archrelight/archrelight/internal/output"
	"github.com/archrelight/archrelight/internal/replicate"
)

var (
	depthModel     = models.Reference{Owner: "chenxwh", Name: "depth-anything-v2", Version: "b239"}
	synthesisModel = models.Reference{Owner: "stability-ai", Name: "sdxl-controlnet-depth"}
	upscaleModel   = models.Reference{Owner: "nightmareai", Name: "real-esrgan", Version: "42fe"}
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, ref models.Reference) (models.Reference, error) {
	if !ref.Versioned() {
		ref.Version = "latest-" + ref.Name
	}
	return ref, nil
}

type call struct {
	ref   models.Reference
	input map[string]any
	po    jobs.PollOptions
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	outputs map[string][]string
	errs    map[string]error
}

func (f *fakeRunner) Run(_ context.Context, ref models.Reference, input map[string]any, po jobs.PollOptions) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{ref: ref, input: input, po: po})
	if err := f.errs[po.Stage]; err != nil {
		return nil, err
	}
	if out, ok := f.outputs[po.Stage]; ok {
		return out, nil
	}
	return []string{fmt.Sprintf("https://cdn/%s.png", po.Stage)}, nil
}

func (f *fakeRunner) stage(name string) *call {
	for i := range f.calls {
		if f.calls[i].po.Stage == name {
			return &f.calls[i]
		}
	}
	return nil
}

func newOrchestrator(t *testing.T, cfg Config, runner JobRunner) *Orchestrator {
	t.Helper()
	if cfg.DepthModel.Owner == "" {
		cfg.DepthModel = depthModel
	}
	if cfg.SynthesisModel.Owner == "" {
		cfg.SynthesisModel = synthesisModel
	}
	return New(cfg, fakeResolver{}, runner, nil, zaptest.NewLogger(t))
}

func goldenHour(t *testing.T, preserve bool) Request {
	req := NewRequest(inputs.Bytes(pngBytes(t, 1024, 768)))
	req.Preset = PresetGoldenHour
	req.Strength = 0.6
	req.PreserveComposition = preserve
	req.Upscale = UpscaleNone
	return req
}

func TestRunPreservingComposition(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	o := newOrchestrator(t, Config{}, runner)

	res, err := o.Run(context.Background(), goldenHour(t, true))
	require.NoError(t, err)

	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "https://cdn/depth.png", res.DepthURL)
	require.GreaterOrEqual(t, len(res.Images), 1)
	assert.Equal(t, []string{"https://cdn/synthesis.png"}, res.Images)
	assert.InDelta(t, 0.3, res.Params["effective_strength"], 1e-12)
	assert.Equal(t, 1.0, res.Params["controlnet_conditioning_scale"])
	assert.Equal(t, 1024, res.Params["width"])
	assert.Equal(t, 768, res.Params["height"])
	assert.Empty(t, res.Warnings)

	require.Len(t, runner.calls, 2)
	depth := runner.stage(StageDepth)
	require.NotNil(t, depth)
	assert.Equal(t, DefaultDepthInterval, depth.po.Interval)
	assert.Equal(t, DefaultJobTimeout, depth.po.MaxWait)
	assert.True(t, depth.po.Single)
	assert.Equal(t, "Large", depth.input["model"])
	assert.True(t, strings.HasPrefix(depth.input["image"].(string), "data:image/png;base64,"))

	synth := runner.stage(StageSynthesis)
	require.NotNil(t, synth)
	assert.Equal(t, "latest-sdxl-controlnet-depth", synth.ref.Version)
	assert.Equal(t, DefaultPollInterval, synth.po.Interval)
	assert.False(t, synth.po.Single)
	assert.Equal(t, "https://cdn/depth.png", synth.input["control_image"])
	assert.Equal(t, depth.input["image"], synth.input["image"])
	assert.Contains(t, synth.input["prompt"], "golden hour")
	assert.InDelta(t, 0.3, synth.input["strength"], 1e-12)
	assert.Equal(t, 1.0, synth.input["controlnet_conditioning_scale"])
	assert.Equal(t, 30, synth.input["num_inference_steps"])
	assert.Equal(t, 7.0, synth.input["guidance_scale"])
	assert.Equal(t, 1024, synth.input["width"])
	assert.Equal(t, 768, synth.input["height"])
}

func TestRunLooseComposition(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	res, err := newOrchestrator(t, Config{}, runner).Run(context.Background(), goldenHour(t, false))
	require.NoError(t, err)

	assert.Equal(t, 0.6, res.Params["effective_strength"])
	assert.Equal(t, 0.7, res.Params["controlnet_conditioning_scale"])
	synth := runner.stage(StageSynthesis)
	assert.Equal(t, 0.6, synth.input["strength"])
	assert.Equal(t, 0.7, synth.input["controlnet_conditioning_scale"])
}

func TestRunUpscaleWithoutModel(t *testing.T) {
	t.Parallel()

	for _, policy := range []UpscalePolicy{UpscalePass, UpscaleWarn} {
		t.Run(string(policy), func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{outputs: map[string][]string{StageSynthesis: {"https://cdn/a.png", "https://cdn/b.png"}}}
			req := goldenHour(t, true)
			req.Upscale = Upscale2x

			res, err := newOrchestrator(t, Config{UpscalePolicy: policy}, runner).Run(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, []string{"https://cdn/a.png", "https://cdn/b.png"}, res.Images)
			assert.Nil(t, runner.stage(StageUpscale))
			assert.Equal(t, false, res.Params["upscaled"])
			if policy == UpscaleWarn {
				require.Len(t, res.Warnings, 1)
				assert.Contains(t, res.Warnings[0], "no upscale model")
			} else {
				assert.Empty(t, res.Warnings)
			}
		})
	}
}

func TestRunUpscaleWithoutModelFails(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	req := goldenHour(t, true)
	req.Upscale = Upscale4x

	_, err := newOrchestrator(t, Config{UpscalePolicy: UpscaleFail}, runner).Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, runner.calls, "the pipeline never starts")
}

func TestRunUpscale(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outputs: map[string][]string{StageUpscale: {"https://cdn/big.png"}}}
	req := goldenHour(t, true)
	req.Upscale = Upscale15x

	res, err := newOrchestrator(t, Config{UpscaleModel: upscaleModel}, runner).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/big.png"}, res.Images)
	assert.Equal(t, true, res.Params["upscaled"])

	up := runner.stage(StageUpscale)
	require.NotNil(t, up)
	assert.Equal(t, upscaleModel, up.ref)
	assert.Equal(t, "https://cdn/synthesis.png", up.input["image"])
	assert.Equal(t, 1.5, up.input["scale"])

	// Dimensions are the native size unless scaling is enabled.
	assert.Equal(t, 1024, runner.stage(StageSynthesis).input["width"])
}

func TestRunScaleDimensions(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	req := NewRequest(inputs.Bytes(pngBytes(t, 300, 201)))
	req.Upscale = Upscale2x

	_, err := newOrchestrator(t, Config{ScaleDimensions: true, UpscaleModel: upscaleModel}, runner).Run(context.Background(), req)
	require.NoError(t, err)
	synth := runner.stage(StageSynthesis)
	assert.Equal(t, 600, synth.input["width"])
	assert.Equal(t, 400, synth.input["height"])
}

func TestRunWithoutDimensions(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	runner := &fakeRunner{}
	o := New(Config{DepthModel: depthModel, SynthesisModel: synthesisModel}, fakeResolver{}, runner, ts.Client(), zaptest.NewLogger(t))
	res, err := o.Run(context.Background(), NewRequest(inputs.URL(ts.URL+"/in.png")))
	require.NoError(t, err)

	synth := runner.stage(StageSynthesis)
	assert.NotContains(t, synth.input, "width")
	assert.NotContains(t, synth.input, "height")
	assert.NotContains(t, res.Params, "width")
	assert.Equal(t, ts.URL+"/in.png", synth.input["image"])
}

func TestRunSlowDimensionLookup(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })

	runner := &fakeRunner{}
	o := New(Config{
		DepthModel:     depthModel,
		SynthesisModel: synthesisModel,
		ProbeTimeout:   50 * time.Millisecond,
	}, fakeResolver{}, runner, ts.Client(), zaptest.NewLogger(t))

	start := time.Now()
	res, err := o.Run(context.Background(), NewRequest(inputs.URL(ts.URL+"/slow.png")))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotContains(t, res.Params, "width")
	assert.NotContains(t, runner.stage(StageSynthesis).input, "width")
}

func TestRunDownscalesUploads(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	_, err := newOrchestrator(t, Config{MaxImageSide: 512}, runner).Run(context.Background(), NewRequest(inputs.Bytes(pngBytes(t, 1024, 768))))
	require.NoError(t, err)

	synth := runner.stage(StageSynthesis)
	assert.Equal(t, 512, synth.input["width"])
	assert.Equal(t, 384, synth.input["height"])
}

func TestRunUnknownPreset(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	req := goldenHour(t, true)
	req.Preset = "moonlight"

	res, err := newOrchestrator(t, Config{}, runner).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "", res.Params["prompt"])
	assert.Equal(t, "", runner.stage(StageSynthesis).input["prompt"])
}

func TestRunInvalidInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		req    Request
		target error
	}{
		{"MissingImage", NewRequest(inputs.Source{}), ErrInvalidInput},
		{"EmptyStream", NewRequest(inputs.Stream(strings.NewReader(""))), ErrInvalidInput},
		{"NotAnImage", NewRequest(inputs.Bytes([]byte("%PDF-1.4 not an image"))), inputs.ErrNotImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{}
			_, err := newOrchestrator(t, Config{}, runner).Run(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.ErrorIs(t, err, tt.target)
			assert.Empty(t, runner.calls)
		})
	}
}

func TestRunStreamError(t *testing.T) {
	t.Parallel()

	boom := errors.New("upload interrupted")
	runner := &fakeRunner{}
	req := NewRequest(inputs.Stream(io.MultiReader(strings.NewReader("partial"), errReader{boom})))

	_, err := newOrchestrator(t, Config{}, runner).Run(context.Background(), req)
	require.ErrorIs(t, err, boom)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageInput, se.Stage)
	assert.Empty(t, runner.calls)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestRunStageFailureAborts(t *testing.T) {
	t.Parallel()

	failed := &jobs.JobError{Stage: StageDepth, Model: depthModel.String(), JobID: "p9", Status: replicate.PredictionFailed, Message: "bad image", Err: jobs.ErrJobFailed}
	runner := &fakeRunner{errs: map[string]error{StageDepth: failed}}

	_, err := newOrchestrator(t, Config{}, runner).Run(context.Background(), goldenHour(t, true))
	require.ErrorIs(t, err, jobs.ErrJobFailed)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageDepth, se.Stage)
	assert.Equal(t, "p9", se.JobID)
	assert.Equal(t, depthModel.String(), se.Model)
	assert.Len(t, runner.calls, 1, "synthesis never runs")
}

func TestRunEmptyStageOutput(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outputs: map[string][]string{StageSynthesis: {}}}
	_, err := newOrchestrator(t, Config{}, runner).Run(context.Background(), goldenHour(t, true))
	assert.ErrorIs(t, err, output.ErrEmptyOutput)
}

func TestRunConcurrent(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	o := newOrchestrator(t, Config{}, runner)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Run(context.Background(), NewRequest(inputs.URL("https://example.com/a.png")))
			if assert.NoError(t, err) {
				ids[i] = res.RequestID
			}
		}()
	}
	wg.Wait()
	assert.Len(t, runner.calls, 16)
	assert.Len(t, uniq(ids), len(ids))
}

func uniq(xs []string) map[string]bool {
	m := make(map[string]bool)
	for _, x := range xs {
		m[x] = true
	}
	return m
}

// fakeProvider is a minimal prediction API: every job reports processing
// once and then succeeds with an output derived from the model.
type fakeProvider struct {
	mu     sync.Mutex
	polls  map[string]int
	inputs map[string]map[string]any
	models map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{polls: map[string]int{}, inputs: map[string]map[string]any{}, models: map[string]int{}}
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	write := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/models/"):
		f.models[r.URL.Path]++
		write(map[string]any{"latest_version": map[string]any{"id": "v-latest"}})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/predictions"):
		var req replicate.PredictionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		id := fmt.Sprintf("job%d", len(f.inputs))
		f.inputs[id] = req.Input
		w.WriteHeader(http.StatusCreated)
		write(map[string]any{"id": id, "status": "starting"})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/predictions/"):
		id := strings.TrimPrefix(r.URL.Path, "/predictions/")
		f.polls[id]++
		if f.polls[id] < 2 {
			write(map[string]any{"id": id, "status": "processing"})
			return
		}
		var out any
		if _, isDepth := f.inputs[id]["control_image"]; isDepth {
			out = []string{"https://cdn/" + id + ".png"}
		} else {
			out = map[string]any{"depth_map": "https://cdn/" + id + "-depth.png"}
		}
		write(map[string]any{"id": id, "status": "succeeded", "output": out})
	default:
		http.NotFound(w, r)
	}
}

func TestRunAgainstProvider(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	ts := httptest.NewServer(provider)
	t.Cleanup(ts.Close)

	logger := zaptest.NewLogger(t)
	client := replicate.NewClient(ts.URL, "token", ts.Client(), logger)
	resolver := models.NewResolver(client, models.NewMemoryCache(), logger)
	runner := jobs.NewRunner(client, jobs.Options{}, logger)
	o := New(Config{
		DepthModel:     depthModel,
		SynthesisModel: synthesisModel,
		DepthInterval:  time.Millisecond,
		PollInterval:   time.Millisecond,
		JobTimeout:     5 * time.Second,
	}, resolver, runner, ts.Client(), logger)

	for range 2 {
		res, err := o.Run(context.Background(), goldenHour(t, true))
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(res.DepthURL, "-depth.png"))
		require.Len(t, res.Images, 1)
		assert.Equal(t, "stability-ai/sdxl-controlnet-depth:v-latest", res.Params["synthesis_model"])
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, map[string]int{"/models/stability-ai/sdxl-controlnet-depth": 1}, provider.models)
	assert.Len(t, provider.inputs, 4)
}
