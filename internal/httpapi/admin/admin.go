// Package admin exposes the core's outward collaborator surface —
// set_override, kill_client, list_clients, query_count, status, and MIME
// hot-reload — as a Huma-documented HTTP API, per SPEC_FULL.md §2/§3.
package admin

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/wavecast/fhserve/internal/apierr"
	"github.com/wavecast/fhserve/internal/auditlog"
	"github.com/wavecast/fhserve/internal/fhcache"
	"github.com/wavecast/fhserve/internal/mimereg"
	"github.com/wavecast/fhserve/pkg/duration"
	"github.com/wavecast/fhserve/pkg/humanize"
)

// Handler implements the admin operations against a live cache.
type Handler struct {
	cache     *fhcache.Cache
	mime      *mimereg.Registry
	mimeFile  string
	audit     *auditlog.Recorder
	startedAt time.Time
	version   string
	log       *slog.Logger
}

// New builds an admin Handler. audit may be nil, in which case admin
// actions are applied but not persisted to an audit trail.
func New(cache *fhcache.Cache, mime *mimereg.Registry, mimeFile string, audit *auditlog.Recorder, version string, log *slog.Logger) *Handler {
	return &Handler{
		cache:     cache,
		mime:      mime,
		mimeFile:  mimeFile,
		audit:     audit,
		startedAt: time.Now(),
		version:   version,
		log:       log,
	}
}

// Register wires every admin operation onto api.
func (h *Handler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "setOverride",
		Method:      "POST",
		Path:        "/admin/override",
		Summary:     "Redirect a fallback mount's listeners",
		Description: "Migrates the listeners currently attached to a fallback mount to a different target mount, without dropping connections. Listeners arriving afterwards still receive the mount's original fallback content.",
		Tags:        []string{"Admin"},
	}, h.SetOverride)

	huma.Register(api, huma.Operation{
		OperationID: "listClients",
		Method:      "GET",
		Path:        "/admin/mounts/{mount}/clients",
		Summary:     "List listeners attached to a mount",
		Tags:        []string{"Admin"},
	}, h.ListClients)

	huma.Register(api, huma.Operation{
		OperationID: "queryCount",
		Method:      "GET",
		Path:        "/admin/mounts/{mount}/count",
		Summary:     "Count listeners on a fallback mount, opening it on demand",
		Tags:        []string{"Admin"},
	}, h.QueryCount)

	huma.Register(api, huma.Operation{
		OperationID: "adminStatus",
		Method:      "GET",
		Path:        "/admin/status",
		Summary:     "Server status: uptime, load, cached handle count, recent admin actions",
		Tags:        []string{"Admin"},
	}, h.Status)

	huma.Register(api, huma.Operation{
		OperationID: "reloadMimeTypes",
		Method:      "POST",
		Path:        "/admin/mime/reload",
		Summary:     "Hot-reload the extension to content-type registry",
		Tags:        []string{"Admin"},
	}, h.ReloadMimeTypes)

	huma.Register(api, huma.Operation{
		OperationID: "listAuditEntries",
		Method:      "GET",
		Path:        "/admin/audit",
		Summary:     "List recorded admin actions",
		Description: "Accepts a relative cutoff such as \"2 hours ago\" or \"1 day before 2025-01-01\" in addition to a plain count, for ad-hoc audit review without a timestamp in hand.",
		Tags:        []string{"Admin"},
	}, h.ListAuditEntries)
}

// --- set_override ---

type overrideRequest struct {
	Mount       string `json:"mount"`
	Dest        string `json:"dest"`
	ContentType string `json:"content_type,omitempty"`
}

// SetOverrideInput is the request for POST /admin/override.
type SetOverrideInput struct {
	Body overrideRequest
}

// SetOverrideOutput is the response for POST /admin/override.
type SetOverrideOutput struct {
	Body struct {
		Mount string `json:"mount"`
		Dest  string `json:"dest"`
		OK    bool   `json:"ok"`
	}
}

// SetOverride implements the set_override(mount, dest, type) -> bool
// collaborator contract.
func (h *Handler) SetOverride(ctx context.Context, input *SetOverrideInput) (*SetOverrideOutput, error) {
	err := h.cache.SetOverride(input.Body.Mount, input.Body.Dest, input.Body.ContentType)
	h.recordAudit(ctx, auditlog.ActionOverride, input.Body.Mount, input.Body.Dest, "", err == nil, errString(err))
	if err != nil {
		h.log.Warn("set_override failed", "mount", input.Body.Mount, "dest", input.Body.Dest, "error", err)
		return nil, apierr.FromCache(err)
	}

	out := &SetOverrideOutput{}
	out.Body.Mount = input.Body.Mount
	out.Body.Dest = input.Body.Dest
	out.Body.OK = true
	return out, nil
}

// --- list_clients ---

// ListClientsInput is the request for GET /admin/mounts/{mount}/clients.
type ListClientsInput struct {
	Mount string `path:"mount" required:"true"`
}

type clientView struct {
	ID          string `json:"id"`
	RemoteAddr  string `json:"remote_addr"`
	ConnectedAt string `json:"connected_at"`
	BytesSent   string `json:"bytes_sent"`
	State       string `json:"state"`
}

// ListClientsOutput is the response for GET /admin/mounts/{mount}/clients.
type ListClientsOutput struct {
	Body struct {
		Mount     string       `json:"mount"`
		Listeners []clientView `json:"listeners"`
		Count     int          `json:"count"`
		Peak      int          `json:"peak"`
	}
}

// ListClients implements list_clients(mount, response, show), rendered
// as JSON rather than the original's admin XML page (out of scope per
// spec's Non-goals on XML/XSLT admin rendering).
func (h *Handler) ListClients(_ context.Context, input *ListClientsInput) (*ListClientsOutput, error) {
	out := &ListClientsOutput{}
	out.Body.Mount = input.Mount

	for _, flags := range []fhcache.Flags{fhcache.FallbackFlag, 0} {
		fh, ok := h.cache.Find(fhcache.Key{Mount: input.Mount, Flags: flags})
		if !ok {
			continue
		}
		for _, l := range fh.Listeners() {
			out.Body.Listeners = append(out.Body.Listeners, clientView{
				ID:          l.ID.String(),
				RemoteAddr:  l.RemoteAddr,
				ConnectedAt: humanize.RelativeTimeShort(l.ConnectedAt),
				BytesSent:   humanize.Bytes(int64(l.BytesSent())),
				State:       l.State.String(),
			})
		}
		out.Body.Peak = fh.Peak()
	}
	out.Body.Count = len(out.Body.Listeners)
	return out, nil
}

// --- query_count ---

// QueryCountInput is the request for GET /admin/mounts/{mount}/count.
type QueryCountInput struct {
	Mount string `path:"mount" required:"true"`
	Limit int64  `query:"limit" default:"16000"`
}

// QueryCountOutput is the response for GET /admin/mounts/{mount}/count.
type QueryCountOutput struct {
	Body struct {
		Mount string `json:"mount"`
		Count int    `json:"count"`
	}
}

// QueryCount implements query_count(finfo, mountcfg): opening the
// fallback FH on demand if it isn't already cached.
func (h *Handler) QueryCount(_ context.Context, input *QueryCountInput) (*QueryCountOutput, error) {
	n, err := h.cache.QueryCount(fhcache.FInfo{Mount: input.Mount, Limit: input.Limit})
	if err != nil {
		return nil, apierr.FromCache(err)
	}
	out := &QueryCountOutput{}
	out.Body.Mount = input.Mount
	out.Body.Count = n
	return out, nil
}

// --- status ---

// StatusInput is the (empty) request for GET /admin/status.
type StatusInput struct{}

// StatusOutput is the response for GET /admin/status.
type StatusOutput struct {
	Body struct {
		Version        string   `json:"version"`
		Uptime         string   `json:"uptime"`
		CachedHandles  int      `json:"cached_handles"`
		GoVersion      string   `json:"go_version"`
		NumGoroutine   int      `json:"num_goroutine"`
		LoadAverage1Min float64 `json:"load_average_1min"`
		MemoryUsedPct  float64 `json:"memory_used_percent"`
		MemoryUsed     string  `json:"memory_used"`
		RecentActions  []auditView `json:"recent_actions,omitempty"`
	}
}

type auditView struct {
	Action  string `json:"action"`
	Mount   string `json:"mount"`
	Target  string `json:"target"`
	Success bool   `json:"success"`
	When    string `json:"when"`
}

// Status reports process and host health alongside cache occupancy,
// grounded on the teacher's HealthHandler use of gopsutil load/mem.
func (h *Handler) Status(ctx context.Context, _ *StatusInput) (*StatusOutput, error) {
	out := &StatusOutput{}
	out.Body.Version = h.version
	out.Body.Uptime = time.Since(h.startedAt).Round(time.Second).String()
	out.Body.CachedHandles = h.cache.Len()
	out.Body.GoVersion = runtime.Version()
	out.Body.NumGoroutine = runtime.NumGoroutine()

	if avg, err := load.Avg(); err == nil && avg != nil {
		out.Body.LoadAverage1Min = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		out.Body.MemoryUsedPct = vm.UsedPercent
		out.Body.MemoryUsed = humanize.Bytes(int64(vm.Used))
	}

	if h.audit != nil {
		if entries, err := h.audit.Recent(ctx, 20); err == nil {
			for _, e := range entries {
				out.Body.RecentActions = append(out.Body.RecentActions, auditView{
					Action:  string(e.Action),
					Mount:   e.Mount,
					Target:  e.Target,
					Success: e.Success,
					When:    humanize.RelativeTimeShort(e.CreatedAt),
				})
			}
		}
	}

	return out, nil
}

// --- mime reload ---

// ReloadMimeTypesInput is the (empty) request for POST /admin/mime/reload.
type ReloadMimeTypesInput struct{}

// ReloadMimeTypesOutput is the response for POST /admin/mime/reload.
type ReloadMimeTypesOutput struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

// ReloadMimeTypes implements recheck_mime_types(config): reloading the
// extension registry from the configured MIME types file, recovered from
// the original's SIGHUP-driven rescan per SPEC_FULL.md §3.
func (h *Handler) ReloadMimeTypes(ctx context.Context, _ *ReloadMimeTypesInput) (*ReloadMimeTypesOutput, error) {
	err := h.mime.Reload(h.mimeFile)
	h.recordAudit(ctx, auditlog.ActionMimeLoad, h.mimeFile, "", "", err == nil, errString(err))
	if err != nil {
		return nil, huma.Error500InternalServerError("reloading mime types", err)
	}
	out := &ReloadMimeTypesOutput{}
	out.Body.OK = true
	return out, nil
}

// --- audit listing ---

// ListAuditEntriesInput is the request for GET /admin/audit. Since, when
// set, takes a relative expression like "2 hours ago" or "1 day before
// 2025-01-01" rather than a timestamp the caller has to compute itself.
type ListAuditEntriesInput struct {
	Since string `query:"since"`
	Limit int    `query:"limit" default:"50"`
}

// ListAuditEntriesOutput is the response for GET /admin/audit.
type ListAuditEntriesOutput struct {
	Body struct {
		Entries []auditView `json:"entries"`
		Count   int         `json:"count"`
	}
}

// ListAuditEntries serves the audit trail directly, beyond the trimmed
// recent-actions slice embedded in Status.
func (h *Handler) ListAuditEntries(ctx context.Context, input *ListAuditEntriesInput) (*ListAuditEntriesOutput, error) {
	if h.audit == nil {
		return nil, huma.Error503ServiceUnavailable("audit trail is not configured")
	}

	var entries []auditlog.Entry
	var err error
	if input.Since != "" {
		cutoff, parseErr := duration.ParseRelative(input.Since)
		if parseErr != nil {
			return nil, huma.Error400BadRequest("parsing since", parseErr)
		}
		entries, err = h.audit.Since(ctx, cutoff, input.Limit)
	} else {
		entries, err = h.audit.Recent(ctx, input.Limit)
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("listing audit entries", err)
	}

	out := &ListAuditEntriesOutput{}
	for _, e := range entries {
		out.Body.Entries = append(out.Body.Entries, auditView{
			Action:  string(e.Action),
			Mount:   e.Mount,
			Target:  e.Target,
			Success: e.Success,
			When:    humanize.RelativeTimeShort(e.CreatedAt),
		})
	}
	out.Body.Count = len(out.Body.Entries)
	return out, nil
}

func (h *Handler) recordAudit(ctx context.Context, action auditlog.Action, mount, target, remote string, success bool, detail string) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(ctx, action, mount, target, remote, success, detail); err != nil {
		h.log.Warn("audit record failed", "action", action, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
