package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/protogate/model"
)

// Invoker is the orchestration engine as seen by the front-end.
type Invoker interface {
	Invoke(ctx context.Context, service string, params map[string]any) *model.StandardResponse
	Services() []string
}

// ServiceList is the body of GET /adapter/services.
type ServiceList struct {
	Services []string `json:"services"`
	Count    int      `json:"count"`
}

// handleCall invokes a service. Whatever the outcome downstream, the reply
// is 200 with the StandardResponse; only an unreadable body is rejected.
func handleCall(invoker Invoker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		service := chi.URLParam(r, "serviceName")

		params, err := decodeParams(r.Body)
		if err != nil {
			ee := model.NewBadRequestError("request body must be a JSON object")
			ee.CorrelationID = CorrelationIDFrom(r.Context())
			WriteError(w, ee)
			return
		}

		WriteJSON(w, http.StatusOK, invoker.Invoke(r.Context(), service, params))
	}
}

func handleServices(invoker Invoker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		names := invoker.Services()
		if names == nil {
			names = []string{}
		}
		WriteJSON(w, http.StatusOK, ServiceList{Services: names, Count: len(names)})
	}
}

// decodeParams reads a JSON object. An empty body or a JSON null yields no
// params.
func decodeParams(body io.Reader) (map[string]any, error) {
	if body == nil {
		return map[string]any{}, nil
	}
	var params map[string]any
	dec := json.NewDecoder(body)
	if err := dec.Decode(&params); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
