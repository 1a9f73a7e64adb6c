package admin

import (
	"context"
	"encoding/xml"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/wavecast/fhserve/internal/auditlog"
)

// killResponse mirrors the original's
// <?xml version="1.0"?><iceresponse><message>...</message><return>0|1</return></iceresponse>
// document: a small, hand-written XML shape rather than the general
// XML/XSLT admin rendering the spec's Non-goals exclude.
type killResponse struct {
	XMLName xml.Name `xml:"iceresponse"`
	Message string   `xml:"message"`
	Return  int      `xml:"return"`
}

// RegisterKillClient mounts kill_client directly on the chi router rather
// than through huma, since its contract is a fixed XML document rather
// than a JSON schema huma would otherwise generate.
func (h *Handler) RegisterKillClient(router chi.Router) {
	router.Get("/admin/kill", h.killClient)
	router.Post("/admin/kill", h.killClient)
}

func (h *Handler) killClient(w http.ResponseWriter, r *http.Request) {
	mount := r.URL.Query().Get("mount")
	idParam := r.URL.Query().Get("id")

	if idParam == "" || mount == "" {
		h.writeKillResponse(w, http.StatusBadRequest, "missing mount or id parameter", 0)
		return
	}

	id, err := ulid.Parse(idParam)
	if err != nil {
		h.writeKillResponse(w, http.StatusBadRequest, "invalid id parameter", 0)
		return
	}

	killed := h.cache.KillListener(mount, id)
	h.recordAudit(context.Background(), auditlog.ActionKill, mount, idParam, r.RemoteAddr, killed, "")

	if !killed {
		h.log.Info("kill_client: listener not found", slog.String("mount", mount), slog.String("id", idParam))
		h.writeKillResponse(w, http.StatusOK, "No such client", 0)
		return
	}

	h.writeKillResponse(w, http.StatusOK, "Client removed", 1)
}

func (h *Handler) writeKillResponse(w http.ResponseWriter, status int, message string, ret int) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(killResponse{Message: message, Return: ret})
}
