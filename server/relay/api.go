package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"relay/client"
	"relay/dto"
	"relay/log"
)

const maxBodySize = 64 * 1024

// API принимает вызовы пиров по HTTP. Оба метода односторонние: ответ 202
// уходит сразу, а результат обработки вызывающему не сообщается.
type API struct {
	relay *Relay
	srv   *http.Server
}

func NewAPI(r *Relay) *API {
	a := &API{relay: r}
	mux := http.NewServeMux()
	mux.HandleFunc(client.RegisterPath, a.handleRegister)
	mux.HandleFunc(client.SendPath, a.handleSend)

	a.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelError),
	}
	return a
}

func (a *API) Handler() http.Handler {
	return a.srv.Handler
}

// Serve обслуживает l до Shutdown
func (a *API) Serve(l net.Listener) error {
	log.Info("Hub listening on %s", l.Addr())
	err := a.srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown перестает принимать вызовы. Уже запущенные рассылки не ждет.
func (a *API) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req dto.Registration
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.relay.RegisterClient(r.Context(), req)
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req dto.Message
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.relay.SendMessage(r.Context(), req.SenderId, req.Text)
	w.WriteHeader(http.StatusAccepted)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
