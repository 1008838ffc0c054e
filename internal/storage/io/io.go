package io

import (
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"

	"github.com/kvmigrate/kvmigrate/internal/info"
	"github.com/kvmigrate/kvmigrate/internal/log"
)

var (
	// ErrNoConfigMaps will be used when there are no ConfigMaps to store. The
	// upper layer could ignore or handle the error in cases where there wasn't
	// an output.
	ErrNoConfigMaps = fmt.Errorf("0 ConfigMaps generated")
)

// NewIOWriterManifestRepo returns a repository that stores the generated
// ConfigMaps as a multi-document YAML manifest stream on an IOWriter.
func NewIOWriterManifestRepo(writer io.Writer, logger log.Logger) IOWriterManifestRepo {
	return IOWriterManifestRepo{
		writer: writer,
		logger: logger.WithValues(log.Kv{"svc": "storage.IOWriter", "format": "yaml"}),
	}
}

// IOWriterManifestRepo knows how to store ConfigMaps in an IOWriter in YAML
// format, compatible with `kubectl apply -f -`.
type IOWriterManifestRepo struct {
	writer io.Writer
	logger log.Logger
}

// StoreConfigMaps writes every ConfigMap as a YAML document.
func (i IOWriterManifestRepo) StoreConfigMaps(ctx context.Context, cms []*corev1.ConfigMap) error {
	if len(cms) == 0 {
		return ErrNoConfigMaps
	}

	_, err := i.writer.Write(disclaimer)
	if err != nil {
		return fmt.Errorf("could not write top disclaimer: %w", err)
	}

	for _, cm := range cms {
		cmYaml, err := yaml.Marshal(cm)
		if err != nil {
			return fmt.Errorf("could not format ConfigMap %q: %w", cm.Name, err)
		}

		_, err = fmt.Fprintf(i.writer, "---\n%s", cmYaml)
		if err != nil {
			return fmt.Errorf("could not write ConfigMap %q: %w", cm.Name, err)
		}
	}

	logger := i.logger.WithCtxValues(ctx)
	logger.WithValues(log.Kv{"configmaps": len(cms)}).Infof("ConfigMap manifests written")

	return nil
}

var disclaimer = []byte(fmt.Sprintf(`# Code generated by kvmigrate (%s).
# DO NOT EDIT.
`, info.Version))
