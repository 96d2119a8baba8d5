// Package schema implements the entity type catalog: registration, additive
// evolution, candidate analysis for unknown-field promotion, and type
// inference over observed values.
//
// Definitions are immutable once registered. Evolution appends fields under a
// new MINOR version; it never changes the meaning of an existing field.
package schema

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/neotoma-io/neotoma/internal/neoerr"
	"github.com/neotoma-io/neotoma/internal/storage"
	"github.com/neotoma-io/neotoma/internal/types"
)

// identRe constrains entity type and field names to sane identifiers. The
// reserved deletion field is the one exception to the no-leading-underscore
// rule and is never declared explicitly.
var identRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Registry is a read-through cache over the persisted schema definitions.
// Safe for concurrent use. Writes invalidate the cache wholesale; definition
// writes are rare enough that rebuilding it lazily costs nothing.
type Registry struct {
	store storage.Store
	log   *zap.Logger

	mu     sync.RWMutex
	byVer  map[string]*types.SchemaDefinition // userID \x00 entityType \x00 version
	latest map[string]*types.SchemaDefinition // userID \x00 entityType
}

// NewRegistry returns a Registry backed by store.
func NewRegistry(store storage.Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:  store,
		log:    log,
		byVer:  make(map[string]*types.SchemaDefinition),
		latest: make(map[string]*types.SchemaDefinition),
	}
}

func cacheKey(parts ...string) string {
	key := parts[0]
	for _, p := range parts[1:] {
		key += "\x00" + p
	}
	return key
}

// Register validates and persists a new entity type definition. An empty
// Version mints "1.0". Registering a type that already has definitions for
// this tenant is a schema violation; evolution goes through UpdateIncremental.
func (r *Registry) Register(ctx context.Context, def *types.SchemaDefinition) (*types.SchemaDefinition, error) {
	if def == nil {
		return nil, neoerr.Invalid("schema definition is required")
	}
	if def.Version == "" {
		def.Version = "1.0"
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	// Same-tenant re-registration is rejected even at a different version;
	// shadowing a shared definition from a tenant is allowed.
	if existing, err := r.store.GetLatestSchemaDefinition(ctx, def.UserID, def.EntityType); err == nil &&
		existing.UserID == def.UserID {
		return nil, neoerr.Schema("entity type %q is already registered at v%s; use incremental update",
			def.EntityType, existing.Version)
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "check existing schema")
	}

	if err := r.store.PutSchemaDefinition(ctx, def); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, neoerr.Wrap(neoerr.TagConflict, err,
				"schema %s v%s already registered", def.EntityType, def.Version)
		}
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "persist schema %s", def.EntityType)
	}
	r.invalidate()
	r.log.Info("registered schema",
		zap.String("entity_type", def.EntityType),
		zap.String("version", def.Version))
	return def, nil
}

// UpdateIncremental mints the next MINOR version of entityType with newFields
// appended. The update is additive only: existing fields cannot be redefined
// and required fields cannot be introduced after initial registration.
// The new version is written under userID, shadowing a shared definition when
// a tenant evolves one.
func (r *Registry) UpdateIncremental(ctx context.Context, userID, entityType string, newFields []types.FieldDef) (*types.SchemaDefinition, error) {
	if len(newFields) == 0 {
		return nil, neoerr.Invalid("incremental update carries no fields")
	}
	prior, err := r.Latest(ctx, userID, entityType)
	if err != nil {
		return nil, err
	}

	for _, f := range newFields {
		if err := validateField(f); err != nil {
			return nil, err
		}
		if f.Required {
			return nil, neoerr.Schema("field %q: required fields may only be declared at initial registration", f.Name)
		}
		if prior.KnownField(f.Name) {
			return nil, neoerr.Schema("field %q already exists in %s v%s; schema changes are additive only",
				f.Name, entityType, prior.Version)
		}
	}

	version, err := types.BumpMinor(prior.Version)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "bump version %s", prior.Version)
	}

	next := cloneDefinition(prior)
	next.UserID = userID
	next.Version = version
	next.Fields = append(next.Fields, newFields...)
	if err := ValidateDefinition(next); err != nil {
		return nil, err
	}

	if err := r.store.PutSchemaDefinition(ctx, next); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, neoerr.Wrap(neoerr.TagConflict, err,
				"schema %s v%s already registered", entityType, version)
		}
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "persist schema %s v%s", entityType, version)
	}
	r.invalidate()
	r.log.Info("evolved schema",
		zap.String("entity_type", entityType),
		zap.String("from", prior.Version),
		zap.String("to", version),
		zap.Int("new_fields", len(newFields)))
	return next, nil
}

// Get returns one definition. An empty version means latest.
func (r *Registry) Get(ctx context.Context, userID, entityType, version string) (*types.SchemaDefinition, error) {
	if version == "" {
		return r.Latest(ctx, userID, entityType)
	}
	key := cacheKey(userID, entityType, version)
	r.mu.RLock()
	def, ok := r.byVer[key]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := r.store.GetSchemaDefinition(ctx, userID, entityType, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, neoerr.NotFound("schema %s v%s", entityType, version)
		}
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "load schema %s v%s", entityType, version)
	}
	r.mu.Lock()
	r.byVer[key] = def
	r.mu.Unlock()
	return def, nil
}

// Latest returns the highest registered version visible to userID.
func (r *Registry) Latest(ctx context.Context, userID, entityType string) (*types.SchemaDefinition, error) {
	key := cacheKey(userID, entityType)
	r.mu.RLock()
	def, ok := r.latest[key]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := r.store.GetLatestSchemaDefinition(ctx, userID, entityType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, neoerr.NotFound("no schema registered for entity type %q", entityType)
		}
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "load latest schema %s", entityType)
	}
	r.mu.Lock()
	r.latest[key] = def
	r.mu.Unlock()
	return def, nil
}

// ListTypes returns the distinct entity types visible to userID, sorted.
func (r *Registry) ListTypes(ctx context.Context, userID string) ([]string, error) {
	defs, err := r.store.ListSchemaDefinitions(ctx, userID)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list schemas")
	}
	seen := make(map[string]bool)
	var out []string
	for _, def := range defs {
		if !seen[def.EntityType] {
			seen[def.EntityType] = true
			out = append(out, def.EntityType)
		}
	}
	return out, nil
}

// List returns every definition version visible to userID.
func (r *Registry) List(ctx context.Context, userID string) ([]*types.SchemaDefinition, error) {
	defs, err := r.store.ListSchemaDefinitions(ctx, userID)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list schemas")
	}
	return defs, nil
}

// Versions returns the version strings registered for entityType, oldest first.
func (r *Registry) Versions(ctx context.Context, userID, entityType string) ([]string, error) {
	versions, err := r.store.ListSchemaVersions(ctx, userID, entityType)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.TagInternal, err, "list schema versions %s", entityType)
	}
	if len(versions) == 0 {
		return nil, neoerr.NotFound("no schema registered for entity type %q", entityType)
	}
	return versions, nil
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.byVer = make(map[string]*types.SchemaDefinition)
	r.latest = make(map[string]*types.SchemaDefinition)
	r.mu.Unlock()
}

// ValidateDefinition checks a definition against the registration contract.
// Violations carry the schema_violation tag; structurally unusable input
// carries invalid_input.
func ValidateDefinition(def *types.SchemaDefinition) error {
	if !identRe.MatchString(def.EntityType) {
		return neoerr.Invalid("entity type %q is not a valid identifier", def.EntityType)
	}
	if _, _, err := types.ParseVersion(def.Version); err != nil {
		return neoerr.Invalid("schema version %q: want MAJOR.MINOR", def.Version)
	}
	if len(def.Fields) == 0 {
		return neoerr.Schema("entity type %q declares no fields", def.EntityType)
	}

	seen := make(map[string]types.FieldType, len(def.Fields))
	for _, f := range def.Fields {
		if err := validateField(f); err != nil {
			return err
		}
		if _, dup := seen[f.Name]; dup {
			return neoerr.Schema("field %q declared twice", f.Name)
		}
		seen[f.Name] = f.Type
	}

	for field, policy := range def.MergePolicies {
		ft, ok := seen[field]
		if !ok {
			return neoerr.Schema("merge policy for undeclared field %q", field)
		}
		if !policy.IsValid() {
			return neoerr.Schema("field %q: unknown merge policy %q", field, policy)
		}
		switch policy {
		case types.MergeUnion, types.MergeConcatDistinct:
			if ft != types.TypeSet {
				return neoerr.Schema("field %q: policy %q requires a set-typed field", field, policy)
			}
		case types.MergeMax, types.MergeMin:
			switch ft {
			case types.TypeNumber, types.TypeDate, types.TypeTimestamp, types.TypeString:
			default:
				return neoerr.Schema("field %q: policy %q requires an ordered field type", field, policy)
			}
		}
	}

	if cn := def.CanonicalName; cn != nil {
		if cn.Field != "" {
			if _, ok := seen[cn.Field]; !ok {
				return neoerr.Schema("canonical name nominates undeclared field %q", cn.Field)
			}
		}
		for _, op := range cn.Ops {
			if !types.ValidCanonOp(op) {
				return neoerr.Schema("unknown canonicalization operation %q", op)
			}
		}
	}

	rk := def.ResolutionKey
	if !rk.Kind.IsValid() {
		return neoerr.Schema("unknown resolution key kind %q", rk.Kind)
	}
	switch rk.Kind {
	case types.ResolveNatural:
		if len(rk.Fields) == 0 {
			return neoerr.Schema("natural resolution key names no fields")
		}
		for _, f := range rk.Fields {
			if _, ok := seen[f]; !ok {
				return neoerr.Schema("resolution key names undeclared field %q", f)
			}
		}
	case types.ResolveContentHash:
		// Empty Fields means hash over all declared fields.
		for _, f := range rk.Fields {
			if _, ok := seen[f]; !ok {
				return neoerr.Schema("resolution key names undeclared field %q", f)
			}
		}
	case types.ResolveIdentity:
		if len(rk.Fields) > 0 {
			return neoerr.Schema("identity resolution key must not name fields")
		}
	}
	return nil
}

func validateField(f types.FieldDef) error {
	if !identRe.MatchString(f.Name) {
		return neoerr.Schema("field name %q is not a valid identifier", f.Name)
	}
	if f.Name == types.FieldDeleted {
		return neoerr.Schema("field name %q is reserved", types.FieldDeleted)
	}
	if !f.Type.IsValid() {
		return neoerr.Schema("field %q: unknown type %q", f.Name, f.Type)
	}
	if f.Validation != "" {
		if _, err := regexp.Compile(f.Validation); err != nil {
			return neoerr.Schema("field %q: validation pattern does not compile: %v", f.Name, err)
		}
	}
	if f.Precision < 0 {
		return neoerr.Schema("field %q: negative precision", f.Name)
	}
	if f.Precision > 0 && f.Type != types.TypeNumber {
		return neoerr.Schema("field %q: precision only applies to number fields", f.Name)
	}
	return nil
}

func cloneDefinition(def *types.SchemaDefinition) *types.SchemaDefinition {
	next := *def
	next.Fields = append([]types.FieldDef(nil), def.Fields...)
	if def.MergePolicies != nil {
		next.MergePolicies = make(map[string]types.MergePolicy, len(def.MergePolicies))
		for k, v := range def.MergePolicies {
			next.MergePolicies[k] = v
		}
	}
	if def.CanonicalName != nil {
		cn := *def.CanonicalName
		cn.Ops = append([]string(nil), def.CanonicalName.Ops...)
		next.CanonicalName = &cn
	}
	if def.ExtractionRules != nil {
		next.ExtractionRules = make(map[string]string, len(def.ExtractionRules))
		for k, v := range def.ExtractionRules {
			next.ExtractionRules[k] = v
		}
	}
	next.ResolutionKey.Fields = append([]string(nil), def.ResolutionKey.Fields...)
	next.CreatedAt = def.CreatedAt
	return &next
}
