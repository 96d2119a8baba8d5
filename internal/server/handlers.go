package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neotoma-io/neotoma/internal/ingest"
	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/query"
	"github.com/neotoma-io/neotoma/internal/service"
	"github.com/neotoma-io/neotoma/internal/types"
)

// maxSourceBytes caps one unstructured upload.
const maxSourceBytes = 32 << 20

func (s *Server) handleIngestUnstructured(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSourceBytes))
	if err != nil {
		s.fail(w, r, neoerr.Invalid("read body: %v", err))
		return
	}
	res, err := s.svc.IngestUnstructured(r.Context(), service.IngestUnstructuredRequest{
		UserID:           tenant(r),
		Data:             data,
		MimeType:         r.Header.Get("Content-Type"),
		OriginalFilename: r.URL.Query().Get("filename"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	s.writeJSON(w, status, res)
}

type structuredIngestRequest struct {
	Entities       []*types.Candidate `json:"entities" validate:"required,min=1,dive,required"`
	SourcePriority int                `json:"source_priority"`
	IdempotencyKey string             `json:"idempotency_key"`
}

func (s *Server) handleIngestStructured(w http.ResponseWriter, r *http.Request) {
	var req structuredIngestRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.IngestStructured(r.Context(), ingest.StructuredRequest{
		UserID:         tenant(r),
		Entities:       req.Entities,
		SourcePriority: req.SourcePriority,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	s.writeJSON(w, status, res)
}

type interpretRequest struct {
	Candidates []*types.Candidate         `json:"candidates" validate:"dive,required"`
	Config     types.InterpretationConfig `json:"config"`
}

// handleInterpret runs an interpretation over a stored source. First pass and
// reinterpretation are the same operation.
func (s *Server) handleInterpret(w http.ResponseWriter, r *http.Request) {
	var req interpretRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Reinterpret(r.Context(), tenant(r), chi.URLParam(r, "sourceID"),
		req.Candidates, req.Config)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	srcs, err := s.svc.Sources(r.Context(), types.SourceFilter{
		UserID:   tenant(r),
		MimeType: r.URL.Query().Get("mime_type"),
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": srcs})
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.svc.Source(r.Context(), tenant(r), chi.URLParam(r, "sourceID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleSourceContent(w http.ResponseWriter, r *http.Request) {
	src, data, err := s.svc.OpenSource(r.Context(), tenant(r), chi.URLParam(r, "sourceID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", src.MimeType)
	if src.OriginalFilename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+src.OriginalFilename+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	ents, err := s.svc.Entities(r.Context(), types.EntityFilter{
		UserID:        tenant(r),
		EntityType:    r.URL.Query().Get("entity_type"),
		IncludeMerged: queryBool(r, "include_merged"),
		Limit:         queryInt(r, "limit"),
		Offset:        queryInt(r, "offset"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entities": ents})
}

func (s *Server) handleEntitySnapshot(w http.ResponseWriter, r *http.Request) {
	at, err := queryTime(r, "at")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.EntitySnapshot(r.Context(), tenant(r), chi.URLParam(r, "entityID"), at)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	obs, err := s.svc.DeleteEntity(r.Context(), tenant(r), chi.URLParam(r, "entityID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"observation": obs})
}

func (s *Server) handleRestoreEntity(w http.ResponseWriter, r *http.Request) {
	obs, err := s.svc.RestoreEntity(r.Context(), tenant(r), chi.URLParam(r, "entityID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"observation": obs})
}

type correctionRequest struct {
	Field string `json:"field" validate:"required"`
	Value any    `json:"value"`
}

func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if !s.decode(w, r, &req) {
		return
	}
	obs, err := s.svc.Correct(r.Context(), tenant(r), chi.URLParam(r, "entityID"), req.Field, req.Value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"observation": obs})
}

func (s *Server) handleEntityObservations(w http.ResponseWriter, r *http.Request) {
	obs, err := s.svc.Observations(r.Context(), types.ObservationFilter{
		UserID:   tenant(r),
		EntityID: chi.URLParam(r, "entityID"),
		Limit:    queryInt(r, "limit"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"observations": obs})
}

func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.FieldProvenance(r.Context(), tenant(r),
		chi.URLParam(r, "entityID"), chi.URLParam(r, "field"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := s.svc.Relationships(r.Context(), tenant(r), chi.URLParam(r, "entityID"),
		query.Direction(r.URL.Query().Get("direction")), r.URL.Query().Get("type"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"relationships": rels})
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	var entityTypes []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		entityTypes = strings.Split(raw, ",")
	}
	related, err := s.svc.RelatedEntities(r.Context(), tenant(r), chi.URLParam(r, "entityID"),
		entityTypes, queryInt(r, "depth"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"related": related})
}

func (s *Server) handleNeighborhood(w http.ResponseWriter, r *http.Request) {
	hood, err := s.svc.GraphNeighborhood(r.Context(), tenant(r), chi.URLParam(r, "entityID"),
		r.URL.Query().Get("node_type"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hood)
}

// handleListSnapshots filters snapshots; field.<name>=<value> query pairs
// become exact-match field predicates.
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	filter := types.SnapshotFilter{
		UserID:         tenant(r),
		EntityType:     r.URL.Query().Get("entity_type"),
		IncludeDeleted: queryBool(r, "include_deleted"),
		Limit:          queryInt(r, "limit"),
		Offset:         queryInt(r, "offset"),
	}
	for key, vals := range r.URL.Query() {
		name, ok := strings.CutPrefix(key, "field.")
		if !ok || len(vals) == 0 {
			continue
		}
		if filter.FieldEquals == nil {
			filter.FieldEquals = make(map[string]any)
		}
		filter.FieldEquals[name] = vals[0]
	}
	snaps, err := s.svc.Snapshots(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) handleListObservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf, err := queryTime(r, "as_of")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	obs, err := s.svc.Observations(r.Context(), types.ObservationFilter{
		UserID:           tenant(r),
		EntityID:         q.Get("entity_id"),
		EntityType:       q.Get("entity_type"),
		SourceID:         q.Get("source_id"),
		InterpretationID: q.Get("interpretation_id"),
		AsOf:             asOf,
		Limit:            queryInt(r, "limit"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"observations": obs})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := queryTime(r, "from")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.svc.Timeline(r.Context(), types.EventFilter{
		UserID:    tenant(r),
		EntityID:  q.Get("entity_id"),
		EventType: q.Get("event_type"),
		From:      from,
		To:        to,
		Limit:     queryInt(r, "limit"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListInterpretations(w http.ResponseWriter, r *http.Request) {
	runs, err := s.svc.Interpretations(r.Context(), types.InterpretationFilter{
		UserID:   tenant(r),
		SourceID: r.URL.Query().Get("source_id"),
		Status:   types.InterpretationStatus(r.URL.Query().Get("status")),
		Limit:    queryInt(r, "limit"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"interpretations": runs})
}

type mergeRequest struct {
	FromEntityID string `json:"from_entity_id" validate:"required"`
	ToEntityID   string `json:"to_entity_id" validate:"required"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !s.decode(w, r, &req) {
		return
	}
	merge, err := s.svc.MergeEntities(r.Context(), tenant(r), req.FromEntityID, req.ToEntityID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"merge": merge})
}

func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	defs, err := s.svc.Schemas(r.Context(), tenant(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schemas": defs})
}

func (s *Server) handleRegisterSchema(w http.ResponseWriter, r *http.Request) {
	var def types.SchemaDefinition
	if !s.decode(w, r, &def) {
		return
	}
	def.UserID = tenant(r)
	out, err := s.svc.RegisterSchema(r.Context(), &def)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	def, err := s.svc.Schema(r.Context(), tenant(r), chi.URLParam(r, "entityType"),
		r.URL.Query().Get("version"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

type updateSchemaRequest struct {
	Fields []types.FieldDef `json:"fields" validate:"required,min=1"`
}

func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	var req updateSchemaRequest
	if !s.decode(w, r, &req) {
		return
	}
	def, err := s.svc.UpdateSchema(r.Context(), tenant(r), chi.URLParam(r, "entityType"), req.Fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleListEntityTypes(w http.ResponseWriter, r *http.Request) {
	ts, err := s.svc.EntityTypes(r.Context(), tenant(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entity_types": ts})
}

func (s *Server) handleSchemaCandidates(w http.ResponseWriter, r *http.Request) {
	cands, err := s.svc.SchemaCandidates(r.Context(), tenant(r), chi.URLParam(r, "entityType"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

func (s *Server) handleSchemaRecommendations(w http.ResponseWriter, r *http.Request) {
	cands, err := s.svc.SchemaRecommendations(r.Context(), tenant(r), chi.URLParam(r, "entityType"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recommendations": cands})
}

type promoteRequest struct {
	Field string `json:"field" validate:"required"`
	Force bool   `json:"force"`
}

func (s *Server) handlePromoteField(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	def, err := s.svc.PromoteField(r.Context(), tenant(r), chi.URLParam(r, "entityType"),
		req.Field, req.Force)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleExportSchema(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ExportSchemaJSON(r.Context(), tenant(r), chi.URLParam(r, "entityType"),
		r.URL.Query().Get("version"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, neoerr.Invalid("%s must be RFC 3339, got %q", key, raw)
	}
	return &t, nil
}
