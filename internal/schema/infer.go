package schema

import (
	"context"
	"errors"
	"regexp"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// Value-shape patterns, most specific first. Inference walks this order and
// returns the first type every sample matches.
var (
	uuidRe      = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	emailRe     = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	timestampRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:?\d{2})?$`)
	dateRe      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	numberRe    = regexp.MustCompile(`^-?\d+(\.\d+)?([eE][+-]?\d+)?$`)
	booleanRe   = regexp.MustCompile(`^(true|false)$`)
)

var inferenceOrder = []struct {
	re *regexp.Regexp
	ft types.FieldType
}{
	{uuidRe, types.TypeUUID},
	{emailRe, types.TypeEmail},
	{timestampRe, types.TypeTimestamp},
	{dateRe, types.TypeDate},
	{numberRe, types.TypeNumber},
	{booleanRe, types.TypeBoolean},
}

// InferType guesses a field type from sampled string values. Every sample
// must match for a type to win; anything else is a string.
func InferType(samples []string) types.FieldType {
	if len(samples) == 0 {
		return types.TypeString
	}
	for _, cand := range inferenceOrder {
		all := true
		for _, s := range samples {
			if !cand.re.MatchString(s) {
				all = false
				break
			}
		}
		if all {
			return cand.ft
		}
	}
	return types.TypeString
}

// AnalyzeCandidates returns the unknown-field candidates recorded for
// entityType (all types when empty), with inferred types filled in from the
// retained samples. Ordered by occurrence count descending.
func (r *Registry) AnalyzeCandidates(ctx context.Context, userID, entityType string) ([]*types.SchemaCandidate, error) {
	cands, err := r.store.ListSchemaCandidates(ctx, userID, entityType)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list schema candidates")
	}
	for _, c := range cands {
		c.InferredType = InferType(c.Samples)
	}
	return cands, nil
}

// Recommendations filters AnalyzeCandidates down to fields that clear the
// promotion thresholds: at least three occurrences seen by at least two
// distinct sources.
func (r *Registry) Recommendations(ctx context.Context, userID, entityType string) ([]*types.SchemaCandidate, error) {
	cands, err := r.AnalyzeCandidates(ctx, userID, entityType)
	if err != nil {
		return nil, err
	}
	out := cands[:0]
	for _, c := range cands {
		if c.Promotable() {
			out = append(out, c)
		}
	}
	return out, nil
}

// Promote lifts one recorded unknown field into the schema by minting the
// next MINOR version with the field appended, typed by inference over its
// samples. The candidate row is retired on success. force skips the
// promotion thresholds.
func (r *Registry) Promote(ctx context.Context, userID, entityType, fieldName string, force bool) (*types.SchemaDefinition, error) {
	cands, err := r.AnalyzeCandidates(ctx, userID, entityType)
	if err != nil {
		return nil, err
	}
	var cand *types.SchemaCandidate
	for _, c := range cands {
		if c.FieldName == fieldName {
			cand = c
			break
		}
	}
	if cand == nil {
		return nil, neoerr.NotFound("no candidate %q recorded for entity type %q", fieldName, entityType)
	}
	if !force && !cand.Promotable() {
		return nil, neoerr.Invalid("candidate %q has %d occurrences from %d sources; promotion needs %d and %d",
			fieldName, cand.Occurrences, cand.DistinctSources,
			types.CandidateMinOccurrences, types.CandidateMinDistinctSources)
	}

	def, err := r.UpdateIncremental(ctx, userID, entityType, []types.FieldDef{{
		Name: fieldName,
		Type: cand.InferredType,
	}})
	if err != nil {
		return nil, err
	}
	if err := r.store.DeleteSchemaCandidate(ctx, cand.UserID, entityType, fieldName); err != nil &&
		!errors.Is(err, storage.ErrNotFound) {
		// The promotion itself committed; a stale candidate row is harmless.
		r.log.Warn("retire schema candidate",
			zap.String("entity_type", entityType),
			zap.String("field", fieldName),
			zap.Error(err))
	}
	r.log.Info("promoted unknown field",
		zap.String("entity_type", entityType),
		zap.String("field", fieldName),
		zap.String("inferred_type", string(cand.InferredType)),
		zap.String("version", def.Version))
	return def, nil
}
