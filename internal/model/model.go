package model

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

const (
	// ManagedByLabelKey is the label key used to mark the ConfigMaps owned by
	// the migrator.
	ManagedByLabelKey = "app.kubernetes.io/managed-by"
	// ManagedByLabelValue is the label value used to mark the ConfigMaps owned
	// by the migrator.
	ManagedByLabelValue = "kvmigrate"

	// SourcePathAnnotation stores the source store path the ConfigMap was
	// migrated from.
	SourcePathAnnotation = "kvmigrate.io/source-path"
	// SourceVersionAnnotation stores the KV v2 secret version the ConfigMap
	// was migrated from (missing on KV v1 sources).
	SourceVersionAnnotation = "kvmigrate.io/source-version"
	// ContentHashAnnotation stores the hash of the ConfigMap payload, used to
	// skip no-op updates.
	ContentHashAnnotation = "kvmigrate.io/content-hash"
)

// Entry is a single secret fetched from the source key/value store.
type Entry struct {
	// Mount is the KV engine mount point the entry was read from.
	Mount string
	// Path is the entry path relative to the source root (e.g `app/config/db`).
	Path string
	// Data are the key/value pairs of the entry.
	Data map[string]interface{}
	// Version is the KV v2 secret version, 0 when the source is KV v1.
	Version int
}

// Source describes a source store subtree to migrate.
type Source struct {
	// Mount is the KV engine mount point (e.g `secret`).
	Mount string `validate:"required"`
	// KVVersion is the KV engine version of the mount.
	KVVersion int `validate:"required,oneof=1 2"`
	// Root is the path prefix to migrate, empty means the whole mount.
	Root string
	// Include filters entry paths in, nil includes everything. Exclude has
	// preference over include.
	Include *regexp.Regexp `validate:"-"`
	// Exclude filters entry paths out.
	Exclude *regexp.Regexp `validate:"-"`
}

// Target describes where and how the migrated ConfigMaps are created.
type Target struct {
	// Namespace for the created ConfigMaps.
	Namespace string `validate:"required"`
	// NamePrefix is prepended to every generated ConfigMap name.
	NamePrefix string
	// Labels added to every created ConfigMap besides the managed-by one.
	Labels map[string]string
	// Annotations added to every created ConfigMap besides the tracking ones.
	Annotations map[string]string
	// RestartWorkloads triggers a rolling restart of the Deployments that
	// consume a ConfigMap whenever its content changes.
	RestartWorkloads bool
}

// Plan is the migration plan model, it drives a whole migration run.
type Plan struct {
	Sources []Source `validate:"required,min=1,dive"`
	Target  Target   `validate:"required"`
}

// Validate validates the migration plan.
func (p Plan) Validate() error {
	return planValidate.Struct(p)
}

var planValidate = func() *validator.Validate {
	return validator.New()
}()
