package schemamodel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"
)

// ModelType binds a named entity kind to its backing table. Property
// definitions, relationships and accessors are derived on first use and shared
// by every instance of the type.
type ModelType struct {
	name        string
	table       Table
	registry    *Registry
	abstract    bool
	atomicSave  bool
	buildMode   BuildMode
	resolveMax  int
	binders     []RelationshipBinder
	jsonSchemas map[string][]byte
	logger      *zap.Logger
	clock       func() time.Time

	mu   sync.RWMutex
	meta *typeMetadata
}

type typeMetadata struct {
	schema        *TableSchema
	primaryColumn string
	properties    map[string]*PropertyDefinition
	propertyOrder []string
	relationships *RelationshipCollection
	members       *memberRegistry
}

// ModelTypeOption configures a ModelType.
type ModelTypeOption func(*ModelType)

// WithRelationships declares the type's relationships in order.
func WithRelationships(binders ...RelationshipBinder) ModelTypeOption {
	return func(t *ModelType) {
		t.binders = append(t.binders, binders...)
	}
}

// WithAbstract marks the type as a base that cannot be instantiated from data.
func WithAbstract() ModelTypeOption {
	return func(t *ModelType) { t.abstract = true }
}

// WithAtomicSave runs Save and Delete inside one transaction when the table
// implements Transactor. In-memory state is restored when the transaction fails.
func WithAtomicSave() ModelTypeOption {
	return func(t *ModelType) { t.atomicSave = true }
}

// WithJSONSchema validates values of a json column against a JSON schema document.
func WithJSONSchema(column string, schema []byte) ModelTypeOption {
	return func(t *ModelType) {
		if t.jsonSchemas == nil {
			t.jsonSchemas = make(map[string][]byte)
		}
		t.jsonSchemas[column] = schema
	}
}

// WithLogger sets the logger. The global zap logger is used otherwise.
func WithLogger(logger *zap.Logger) ModelTypeOption {
	return func(t *ModelType) { t.logger = logger }
}

// WithClock sets the time source used for construction-time defaults.
func WithClock(clock func() time.Time) ModelTypeOption {
	return func(t *ModelType) { t.clock = clock }
}

// WithBuildMode sets the mode Create uses for unknown keys.
func WithBuildMode(mode BuildMode) ModelTypeOption {
	return func(t *ModelType) { t.buildMode = mode }
}

// WithResolveConcurrency bounds parallel loads in Model.ResolveRelationship.
func WithResolveConcurrency(n int) ModelTypeOption {
	return func(t *ModelType) { t.resolveMax = n }
}

// OptionsFromConfig maps model settings from Config to type options.
func OptionsFromConfig(cfg ModelConfig) []ModelTypeOption {
	var opts []ModelTypeOption
	if mode, ok := ParseBuildMode(cfg.BuildMode); ok {
		opts = append(opts, WithBuildMode(mode))
	}
	if cfg.AtomicSave {
		opts = append(opts, WithAtomicSave())
	}
	if cfg.ResolveConcurrency > 0 {
		opts = append(opts, WithResolveConcurrency(cfg.ResolveConcurrency))
	}
	return opts
}

// NewModelType creates a standalone model type. Use Registry.Define to make
// the type resolvable by name from relationships.
func NewModelType(name string, table Table, opts ...ModelTypeOption) *ModelType {
	t := &ModelType{
		name:       name,
		table:      table,
		buildMode:  BuildModeIgnoreExtra,
		resolveMax: 8,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *ModelType) Name() string     { return t.name }
func (t *ModelType) Table() Table     { return t.table }
func (t *ModelType) IsAbstract() bool { return t.abstract }

func (t *ModelType) log() *zap.SugaredLogger {
	if t.logger != nil {
		return t.logger.Sugar()
	}
	return zap.S()
}

// metadata returns the derived type metadata, building it on first use. A
// failed build is not cached, so a later call retries.
func (t *ModelType) metadata(ctx context.Context) (*typeMetadata, error) {
	t.mu.RLock()
	meta := t.meta
	t.mu.RUnlock()
	if meta != nil {
		return meta, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meta != nil {
		return t.meta, nil
	}

	meta, err := t.buildMetadata(ctx)
	if err != nil {
		return nil, err
	}
	t.meta = meta
	t.log().Debugw("model type metadata built",
		"model", t.name, "properties", len(meta.propertyOrder), "relationships", meta.relationships.Len())
	return meta, nil
}

func (t *ModelType) buildMetadata(ctx context.Context) (*typeMetadata, error) {
	if t.table == nil {
		return nil, NewConfigurationError(ErrCodeSchemaFailure, "model type has no table").WithModel(t.name)
	}

	schema, err := t.table.Schema(ctx)
	if err != nil {
		return nil, NewPersistenceError(ErrCodeSchemaFailure, "failed to reflect table schema", err).WithModel(t.name)
	}

	opts := GenerateOptions{}
	if caster, ok := t.table.(Caster); ok {
		opts.Caster = caster
	}
	if len(t.jsonSchemas) > 0 {
		opts.JSONSchemas = make(map[string]*jsonschema.Resolved, len(t.jsonSchemas))
		for column, raw := range t.jsonSchemas {
			col, ok := schema.Column(column)
			if !ok || col.Type != TypeJSON {
				return nil, NewConfigurationError(ErrCodeInvalidJSONSchema,
					"JSON schema attached to a column that is not json").WithModel(t.name).WithField(column)
			}
			resolved, err := CompileJSONSchema(raw)
			if err != nil {
				return nil, NewConfigurationError(ErrCodeInvalidJSONSchema, "invalid JSON schema").
					WithModel(t.name).WithField(column).WithCause(err)
			}
			opts.JSONSchemas[column] = resolved
		}
	}

	properties, err := GeneratePropertyDefinitions(schema, opts)
	if err != nil {
		if me, ok := err.(*ModelError); ok {
			return nil, me.WithModel(t.name)
		}
		return nil, err
	}

	primary := schema.PrimaryColumn
	if primary == "" {
		primary = t.table.PrimaryColumn()
	}
	if _, ok := properties[primary]; !ok {
		return nil, NewConfigurationError(ErrCodeSchemaFailure,
			fmt.Sprintf("primary column %q is not a table column", primary)).WithModel(t.name)
	}

	order := make([]string, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		order = append(order, c.Name)
	}

	relationships := NewRelationshipCollection()
	for _, binder := range t.binders {
		rel, err := binder.Bind(t)
		if err != nil {
			return nil, err
		}
		if err := relationships.Add(rel); err != nil {
			if me, ok := err.(*ModelError); ok {
				return nil, me.WithModel(t.name)
			}
			return nil, err
		}
	}

	return &typeMetadata{
		schema:        schema,
		primaryColumn: primary,
		properties:    properties,
		propertyOrder: order,
		relationships: relationships,
		members:       newMemberRegistry(order, relationships.Keys()),
	}, nil
}

// PropertyDefinitions returns the derived property definitions.
func (t *ModelType) PropertyDefinitions(ctx context.Context) (map[string]*PropertyDefinition, error) {
	meta, err := t.metadata(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*PropertyDefinition, len(meta.properties))
	for k, v := range meta.properties {
		out[k] = v
	}
	return out, nil
}

// PropertyNames returns property names in column order.
func (t *ModelType) PropertyNames(ctx context.Context) ([]string, error) {
	meta, err := t.metadata(ctx)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), meta.propertyOrder...), nil
}

// Relationships returns the declared relationships.
func (t *ModelType) Relationships(ctx context.Context) (*RelationshipCollection, error) {
	meta, err := t.metadata(ctx)
	if err != nil {
		return nil, err
	}
	return meta.relationships, nil
}

// PrimaryColumn returns the identifier column name.
func (t *ModelType) PrimaryColumn(ctx context.Context) (string, error) {
	meta, err := t.metadata(ctx)
	if err != nil {
		return "", err
	}
	return meta.primaryColumn, nil
}

// ResolveMember resolves a bare property or relationship name.
func (t *ModelType) ResolveMember(ctx context.Context, name string) (Member, error) {
	meta, err := t.metadata(ctx)
	if err != nil {
		return Member{}, err
	}
	m, err := meta.members.member(name)
	if err != nil {
		return Member{}, err.(*ModelError).WithModel(t.name)
	}
	return m, nil
}

// ResolveAccessor resolves a get_<name> or set_<name> member.
func (t *ModelType) ResolveAccessor(ctx context.Context, name string) (Accessor, error) {
	meta, err := t.metadata(ctx)
	if err != nil {
		return Accessor{}, err
	}
	a, err := meta.members.accessor(name)
	if err != nil {
		return Accessor{}, err.(*ModelError).WithModel(t.name)
	}
	return a, nil
}

// Accessors lists every get_/set_ member name, sorted.
func (t *ModelType) Accessors(ctx context.Context) ([]string, error) {
	meta, err := t.metadata(ctx)
	if err != nil {
		return nil, err
	}
	return meta.members.names(), nil
}

// New returns a transient instance with defaults applied.
func (t *ModelType) New(ctx context.Context) (*Model, error) {
	if t.abstract {
		return nil, NewStateError(ErrCodeAbstractModel, "abstract model type cannot be instantiated").WithModel(t.name)
	}
	meta, err := t.metadata(ctx)
	if err != nil {
		return nil, err
	}
	return t.newInstance(meta), nil
}

// Find loads the row with the given identifier.
func (t *ModelType) Find(ctx context.Context, id any) (*Model, error) {
	if _, err := t.metadata(ctx); err != nil {
		return nil, err
	}
	row, err := t.table.RowByID(ctx, id)
	if err != nil {
		return nil, NewPersistenceError(ErrCodeFetchFailed, fmt.Sprintf("failed to load row %v", id), err).WithModel(t.name)
	}
	if row == nil {
		return nil, NewNotFoundError(t.name, id)
	}
	return t.hydrate(ctx, row)
}

// Create builds an instance from attrs and saves it.
func (t *ModelType) Create(ctx context.Context, attrs any) (*Model, error) {
	m, err := t.fromData(ctx, attrs, t.buildMode, false)
	if err != nil {
		return nil, err
	}
	return m.Save(ctx)
}

// FromData builds an instance from a map, Row or struct. Keys that are
// neither properties nor relationships are handled per mode. When the data
// carries a primary value the instance is treated as loaded from storage and
// starts clean.
func (t *ModelType) FromData(ctx context.Context, data any, mode BuildMode) (*Model, error) {
	return t.fromData(ctx, data, mode, true)
}

func (t *ModelType) hydrate(ctx context.Context, row Row) (*Model, error) {
	return t.fromData(ctx, row, BuildModeIgnoreExtra, true)
}

// Registry owns a set of model types addressable by name.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]*ModelType
	order    []string
	defaults []ModelTypeOption
}

// NewRegistry creates a registry. defaults are applied to every defined type
// before its own options.
func NewRegistry(defaults ...ModelTypeOption) *Registry {
	return &Registry{
		types:    make(map[string]*ModelType),
		defaults: defaults,
	}
}

// Define registers a model type under name.
func (r *Registry) Define(name string, table Table, opts ...ModelTypeOption) (*ModelType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[name]; exists {
		return nil, NewConfigurationError(ErrCodeDuplicateModel, "model type already defined").WithModel(name)
	}

	all := make([]ModelTypeOption, 0, len(r.defaults)+len(opts))
	all = append(all, r.defaults...)
	all = append(all, opts...)
	t := NewModelType(name, table, all...)
	t.registry = r

	r.types[name] = t
	r.order = append(r.order, name)
	return t, nil
}

// Type returns the model type registered under name.
func (r *Registry) Type(name string) (*ModelType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return nil, NewConfigurationError(ErrCodeUnknownModelType, "model type is not defined").WithModel(name)
	}
	return t, nil
}

// MustType is like Type but panics when name is not defined.
func (r *Registry) MustType(name string) *ModelType {
	t, err := r.Type(name)
	if err != nil {
		panic(err)
	}
	return t
}

// Names returns the defined type names in definition order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// SortedNames returns the defined type names alphabetically.
func (r *Registry) SortedNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}

// Reset forgets every defined type.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = make(map[string]*ModelType)
	r.order = nil
}
