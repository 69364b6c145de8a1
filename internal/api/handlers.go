package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/snapetech/epgmux/internal/channels"
	"github.com/snapetech/epgmux/internal/epglink"
	"github.com/snapetech/epgmux/internal/safeurl"
)

const maxBody = 1 << 20

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.Refresher.Status().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"refreshing":  snap.Running,
		"lastRefresh": snap.LastRun,
	})
}

// GET /guide.xml
func (s *Server) handleGuide(w http.ResponseWriter, r *http.Request) {
	f, err := s.Store.OpenMerged()
	if err != nil {
		writeError(w, http.StatusNotFound, "merged guide not built yet")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	http.ServeContent(w, r, "guide.xml", fi.ModTime(), f)
}

// GET /api/epg/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Refresher.Status().Snapshot())
}

type epgChannel struct {
	ID    string   `json:"id"`
	Names []string `json:"names"`
}

// GET /api/epg/channels: combined id -> names, ordered by id.
func (s *Server) handleEPGChannels(w http.ResponseWriter, r *http.Request) {
	idNames, err := s.Store.CombinedIDNames()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]epgChannel, 0, len(idNames))
	for id, names := range idNames {
		out = append(out, epgChannel{ID: id, Names: names})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

// GET /api/epg/names: combined name -> id.
func (s *Server) handleEPGNames(w http.ResponseWriter, r *http.Request) {
	idx, err := s.Store.CombinedNameIndex()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

type sourceView struct {
	channels.Source
	Status    string `json:"status"`
	UpdatedAt any    `json:"updatedAt"`
}

// GET /api/epg/sources
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	list, err := s.Catalog.ListSources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	meta, err := s.Store.LoadMeta()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sourceView, 0, len(list))
	for _, src := range list {
		st := s.Store.SourceStatus(src.Name, meta)
		v := sourceView{Source: src, Status: st.Status}
		if st.UpdatedAt != nil {
			v.UpdatedAt = st.UpdatedAt
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /api/epg/sources {name, url}: adds a source and starts a refresh.
func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	src, err := s.Catalog.AddSource(r.Context(), req.Name, req.URL)
	switch {
	case errors.Is(err, channels.ErrInvalid),
		errors.Is(err, safeurl.ErrEmpty),
		errors.Is(err, safeurl.ErrUnsupportedScheme),
		errors.Is(err, safeurl.ErrMissingHost):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, channels.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	started := s.triggerRefresh(r)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         src.ID,
		"name":       src.Name,
		"refreshing": started,
	})
}

// POST /api/epg/refresh: fire-and-forget.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	started := s.triggerRefresh(r)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"started": started,
		"status":  s.Refresher.Status().Snapshot(),
	})
}

func (s *Server) triggerRefresh(r *http.Request) bool {
	sources, err := s.Catalog.RefreshSources(r.Context())
	if err != nil {
		log.Printf("api: list sources for refresh: %v", err)
		return false
	}
	return s.Refresher.Trigger(s.baseCtx, sources)
}

type autoMapRequest struct {
	Source    string   `json:"source"`
	MinScore  *float64 `json:"minScore"`
	DryRun    bool     `json:"dryRun"`
	EPGSource string   `json:"epgSource"`
}

// POST /api/mapping/auto {source?, minScore?, dryRun?, epgSource?}
func (s *Server) handleAutoMap(w http.ResponseWriter, r *http.Request) {
	var req autoMapRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	minScore := s.MinScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}
	if minScore < 0 || minScore > 1 {
		writeError(w, http.StatusBadRequest, "minScore must be within [0,1]")
		return
	}
	idNames, err := s.Store.CombinedIDNames()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	list, err := s.Catalog.ListChannels(r.Context(), strings.TrimSpace(req.Source))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	chans := make([]epglink.Channel, len(list))
	for i, c := range list {
		chans[i] = c.ForMatch()
	}
	rep, err := epglink.AutoMap(r.Context(), chans, idNames, epglink.Options{
		MinScore:      minScore,
		DryRun:        req.DryRun,
		LabelOverride: strings.TrimSpace(req.EPGSource),
	}, s.Catalog)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("api: %s", rep.SummaryString())
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"updated":  rep.Updated,
		"skipped":  rep.Skipped,
		"minScore": rep.MinScore,
		"dryRun":   rep.DryRun,
		"sample":   rep.Samples,
	})
}

// POST /api/channels/{id}/assign-epg {tvg_id, epg_source}
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad channel id")
		return
	}
	var req struct {
		TVGID     string `json:"tvg_id"`
		EPGSource string `json:"epg_source"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	err = s.Catalog.AssignEPG(r.Context(), id, strings.TrimSpace(req.TVGID), strings.TrimSpace(req.EPGSource))
	if errors.Is(err, channels.ErrNotFound) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
