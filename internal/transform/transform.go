package transform

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/hashstructure/v2"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kvmigrate/kvmigrate/internal/model"
)

const (
	// maxPayloadSize is the Kubernetes ConfigMap payload limit (1MiB, same as
	// etcd value limit).
	maxPayloadSize = 1 << 20

	// maxNameLength is the DNS-1123 subdomain length limit for ConfigMap names.
	maxNameLength = 253

	// base64ValuePrefix flags a string value as base64 encoded binary content,
	// it is decoded and stored under `binaryData`.
	base64ValuePrefix = "base64:"
)

var (
	invalidNameRunes = regexp.MustCompile(`[^a-z0-9-]+`)
	dashRuns         = regexp.MustCompile(`-{2,}`)
	invalidKeyRunes  = regexp.MustCompile(`[^-._a-zA-Z0-9]+`)
)

// Transformer maps source store entries to ConfigMap resources following the
// plan target settings.
type Transformer struct {
	target model.Target
}

// NewTransformer returns a new entry transformer.
func NewTransformer(target model.Target) Transformer {
	return Transformer{target: target}
}

// ConfigMapForEntry maps a source entry to its target ConfigMap. The returned
// object is complete and validated (keys, size, encoding), no partial results
// are returned on error.
func (t Transformer) ConfigMapForEntry(entry model.Entry) (*corev1.ConfigMap, error) {
	data, binaryData, err := renderEntryData(entry.Data)
	if err != nil {
		return nil, fmt.Errorf("could not render entry %q data: %w", entry.Path, err)
	}

	size := payloadSize(data, binaryData)
	if size > maxPayloadSize {
		return nil, fmt.Errorf("entry %q payload is %d bytes, over the %d ConfigMap limit", entry.Path, size, maxPayloadSize)
	}

	hash, err := ContentHash(data, binaryData)
	if err != nil {
		return nil, fmt.Errorf("could not hash entry %q payload: %w", entry.Path, err)
	}

	labels := map[string]string{model.ManagedByLabelKey: model.ManagedByLabelValue}
	for k, v := range t.target.Labels {
		labels[k] = v
	}

	annotations := map[string]string{
		model.SourcePathAnnotation:  sourceRef(entry),
		model.ContentHashAnnotation: hash,
	}
	if entry.Version > 0 {
		annotations[model.SourceVersionAnnotation] = strconv.Itoa(entry.Version)
	}
	for k, v := range t.target.Annotations {
		annotations[k] = v
	}

	return &corev1.ConfigMap{
		TypeMeta: metav1.TypeMeta{
			Kind:       "ConfigMap",
			APIVersion: "v1",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:        ConfigMapName(t.target.NamePrefix, entry.Path),
			Namespace:   t.target.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Data:       data,
		BinaryData: binaryData,
	}, nil
}

// ConfigMapName flattens a hierarchical entry path into a DNS-1123 compliant
// ConfigMap name, e.g `app/config/db` with prefix `migrated` becomes
// `migrated-app-config-db`. The prefix goes through the same folding as the
// path so any plan prefix yields a valid name. Overlong names are truncated
// and suffixed with a short hash of the full path to keep them unique.
func ConfigMapName(prefix, entryPath string) string {
	name := entryPath
	if prefix != "" {
		name = prefix + "/" + name
	}
	name = strings.ToLower(strings.Trim(name, "/"))
	name = invalidNameRunes.ReplaceAllString(name, "-")
	name = dashRuns.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")

	if len(name) > maxNameLength {
		h := fnv.New32a()
		h.Write([]byte(name)) // nolint: errcheck
		suffix := fmt.Sprintf("-%x", h.Sum32())
		name = name[:maxNameLength-len(suffix)] + suffix
	}

	return name
}

// ContentHash returns a stable hash of a ConfigMap payload, used to detect
// no-op updates and drift.
func ContentHash(data map[string]string, binaryData map[string][]byte) (string, error) {
	hash, err := hashstructure.Hash(map[string]interface{}{
		"data":       data,
		"binaryData": binaryData,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}

	return strconv.FormatUint(hash, 16), nil
}

func renderEntryData(raw map[string]interface{}) (map[string]string, map[string][]byte, error) {
	data := map[string]string{}
	var binaryData map[string][]byte

	for key, value := range raw {
		sanitized := sanitizeKey(key)
		if sanitized == "" {
			return nil, nil, fmt.Errorf("key %q maps to an empty ConfigMap key", key)
		}

		_, inData := data[sanitized]
		_, inBinary := binaryData[sanitized]
		if inData || inBinary {
			return nil, nil, fmt.Errorf("key %q collides with another key after sanitizing to %q", key, sanitized)
		}

		rendered, err := renderValue(value)
		if err != nil {
			return nil, nil, fmt.Errorf("could not render value of key %q: %w", key, err)
		}

		// Explicitly flagged binary values.
		if strings.HasPrefix(rendered, base64ValuePrefix) {
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(rendered, base64ValuePrefix))
			if err != nil {
				return nil, nil, fmt.Errorf("key %q is flagged as base64 but does not decode: %w", key, err)
			}
			if binaryData == nil {
				binaryData = map[string][]byte{}
			}
			binaryData[sanitized] = raw
			continue
		}

		// Values that are not valid UTF-8 can't live in `data`.
		if !utf8.ValidString(rendered) {
			if binaryData == nil {
				binaryData = map[string][]byte{}
			}
			binaryData[sanitized] = []byte(rendered)
			continue
		}

		data[sanitized] = rendered
	}

	return data, binaryData, nil
}

func renderValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		// Composite values (maps, lists) are stored as compact JSON.
		rendered, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(rendered), nil
	}
}

func sanitizeKey(key string) string {
	return invalidKeyRunes.ReplaceAllString(key, "_")
}

func payloadSize(data map[string]string, binaryData map[string][]byte) int {
	size := 0
	for k, v := range data {
		size += len(k) + len(v)
	}
	for k, v := range binaryData {
		size += len(k) + len(v)
	}
	return size
}

func sourceRef(entry model.Entry) string {
	return entry.Mount + "/" + strings.Trim(entry.Path, "/")
}
