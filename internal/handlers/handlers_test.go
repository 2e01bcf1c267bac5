package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Brownie44l1/caption-api/internal/errs"
	"github.com/Brownie44l1/caption-api/internal/logging"
	"github.com/Brownie44l1/caption-api/internal/preprocess"
)

type fakeCaptioner struct {
	caption   string
	err       error
	panicWith interface{}
	size      int

	gotImage  []byte
	gotTensor *preprocess.Tensor
	gotReqID  string
}

func (f *fakeCaptioner) Caption(ctx context.Context, image []byte) (string, error) {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	f.gotImage = image
	f.gotReqID = logging.RequestID(ctx)
	return f.caption, f.err
}

func (f *fakeCaptioner) CaptionTensor(_ context.Context, t *preprocess.Tensor) (string, error) {
	f.gotTensor = t
	return f.caption, f.err
}

func (f *fakeCaptioner) ImageSize() int { return f.size }

func newServer(t *testing.T, svc *fakeCaptioner) http.Handler {
	t.Helper()
	h := NewHandler(svc, Config{Device: "cpu", VocabSize: 42, MaxUploadBytes: 1 << 20}, zaptest.NewLogger(t))
	return h.Routes(promhttp.Handler())
}

func uploadRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "photo.jpg")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(t, &fakeCaptioner{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "healthy", Device: "cpu", VocabSize: 42}, decode[HealthResponse](t, rec))
}

func TestPredict(t *testing.T) {
	for _, field := range UploadFields {
		t.Run(field, func(t *testing.T) {
			svc := &fakeCaptioner{caption: "a dog runs"}
			rec := httptest.NewRecorder()
			newServer(t, svc).ServeHTTP(rec, uploadRequest(t, field, []byte("img-bytes")))

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, `{"caption":"a dog runs"}`, rec.Body.String())
			assert.Equal(t, []byte("img-bytes"), svc.gotImage)
			assert.NotEmpty(t, svc.gotReqID)
			assert.Equal(t, svc.gotReqID, rec.Header().Get(RequestIDHeader))
		})
	}
}

func TestPredictEmptyCaption(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(t, &fakeCaptioner{}).ServeHTTP(rec, uploadRequest(t, "file", []byte("x")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"caption":""}`, rec.Body.String())
}

func TestPredictClientErrors(t *testing.T) {
	svc := &fakeCaptioner{}
	srv := newServer(t, svc)

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("not multipart", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing file", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, uploadRequest(t, "attachment", []byte("x")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode[ErrorResponse](t, rec).Error, "'file'")
	})

	assert.Nil(t, svc.gotImage)
}

func TestPredictMapsServiceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"decode", errs.New(errs.ErrDecode, "not an image"), http.StatusBadRequest},
		{"inference", errs.New(errs.ErrInference, "shape mismatch"), http.StatusInternalServerError},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newServer(t, &fakeCaptioner{err: tt.err}).ServeHTTP(rec, uploadRequest(t, "file", []byte("x")))
			assert.Equal(t, tt.code, rec.Code)
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestPredictTensor(t *testing.T) {
	svc := &fakeCaptioner{caption: "a cat", size: 2}
	srv := newServer(t, svc)

	body, err := json.Marshal(TensorRequest{Tensor: make([]float32, 12)})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/tensor", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"caption":"a cat"}`, rec.Body.String())
	require.NotNil(t, svc.gotTensor)
	assert.Equal(t, []int64{1, 3, 2, 2}, svc.gotTensor.Shape())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/tensor", strings.NewReader(`{"tensor":[1,2,3]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Expected 12 values, got 3", decode[ErrorResponse](t, rec).Error)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/tensor", strings.NewReader(`nope`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict/tensor", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	svc := &fakeCaptioner{caption: "x"}
	req := uploadRequest(t, "file", []byte("x"))
	req.Header.Set(RequestIDHeader, "req-123")

	rec := httptest.NewRecorder()
	newServer(t, svc).ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-123", svc.gotReqID)
}

func TestCORSPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(t, &fakeCaptioner{}).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/predict", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPanicBecomes500(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(t, &fakeCaptioner{panicWith: "kaboom"}).ServeHTTP(rec, uploadRequest(t, "file", []byte("x")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(t, &fakeCaptioner{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
