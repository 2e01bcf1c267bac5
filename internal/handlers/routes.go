package handlers

import "net/http"

// Routes wires the endpoints and middleware. metrics may be nil.
func (h *Handler) Routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/predict", h.Predict)
	mux.HandleFunc("/predict/tensor", h.PredictTensor)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	var handler http.Handler = mux
	handler = enableCORS(handler)
	handler = recoverer(h.logger, handler)
	handler = accessLog(h.logger, handler)
	handler = withRequestID(handler)
	return handler
}
