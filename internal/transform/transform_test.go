package transform_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kvmigrate/kvmigrate/internal/model"
	"github.com/kvmigrate/kvmigrate/internal/transform"
)

func TestConfigMapForEntry(t *testing.T) {
	tests := map[string]struct {
		target model.Target
		entry  model.Entry
		expCM  func() *corev1.ConfigMap
		expErr bool
	}{
		"A simple entry should map to a ConfigMap with tracking metadata.": {
			target: model.Target{Namespace: "apps"},
			entry: model.Entry{
				Mount:   "secret",
				Path:    "app/config/db",
				Version: 3,
				Data: map[string]interface{}{
					"host": "db.example.com",
					"port": json.Number("5432"),
				},
			},
			expCM: func() *corev1.ConfigMap {
				data := map[string]string{
					"host": "db.example.com",
					"port": "5432",
				}
				hash, _ := transform.ContentHash(data, nil)
				return &corev1.ConfigMap{
					TypeMeta: metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
					ObjectMeta: metav1.ObjectMeta{
						Name:      "app-config-db",
						Namespace: "apps",
						Labels: map[string]string{
							"app.kubernetes.io/managed-by": "kvmigrate",
						},
						Annotations: map[string]string{
							"kvmigrate.io/source-path":    "secret/app/config/db",
							"kvmigrate.io/source-version": "3",
							"kvmigrate.io/content-hash":   hash,
						},
					},
					Data: data,
				}
			},
		},

		"Target labels, annotations and name prefix should be applied.": {
			target: model.Target{
				Namespace:   "apps",
				NamePrefix:  "migrated",
				Labels:      map[string]string{"team": "team-a"},
				Annotations: map[string]string{"owner": "platform"},
			},
			entry: model.Entry{
				Mount: "secret",
				Path:  "app",
				Data:  map[string]interface{}{"k": "v"},
			},
			expCM: func() *corev1.ConfigMap {
				data := map[string]string{"k": "v"}
				hash, _ := transform.ContentHash(data, nil)
				return &corev1.ConfigMap{
					TypeMeta: metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
					ObjectMeta: metav1.ObjectMeta{
						Name:      "migrated-app",
						Namespace: "apps",
						Labels: map[string]string{
							"app.kubernetes.io/managed-by": "kvmigrate",
							"team":                         "team-a",
						},
						Annotations: map[string]string{
							"kvmigrate.io/source-path":  "secret/app",
							"kvmigrate.io/content-hash": hash,
							"owner":                     "platform",
						},
					},
					Data: data,
				}
			},
		},

		"KV v1 entries (version 0) should not carry the source version annotation.": {
			target: model.Target{Namespace: "apps"},
			entry: model.Entry{
				Mount: "kv",
				Path:  "legacy",
				Data:  map[string]interface{}{"k": "v"},
			},
			expCM: func() *corev1.ConfigMap {
				data := map[string]string{"k": "v"}
				hash, _ := transform.ContentHash(data, nil)
				return &corev1.ConfigMap{
					TypeMeta: metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
					ObjectMeta: metav1.ObjectMeta{
						Name:      "legacy",
						Namespace: "apps",
						Labels: map[string]string{
							"app.kubernetes.io/managed-by": "kvmigrate",
						},
						Annotations: map[string]string{
							"kvmigrate.io/source-path":  "kv/legacy",
							"kvmigrate.io/content-hash": hash,
						},
					},
					Data: data,
				}
			},
		},

		"Composite, boolean and nil values should be rendered as strings.": {
			target: model.Target{Namespace: "apps"},
			entry: model.Entry{
				Mount: "secret",
				Path:  "app",
				Data: map[string]interface{}{
					"enabled": true,
					"empty":   nil,
					"opts":    map[string]interface{}{"a": json.Number("1")},
				},
			},
			expCM: func() *corev1.ConfigMap {
				data := map[string]string{
					"enabled": "true",
					"empty":   "",
					"opts":    `{"a":1}`,
				}
				hash, _ := transform.ContentHash(data, nil)
				return &corev1.ConfigMap{
					TypeMeta: metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
					ObjectMeta: metav1.ObjectMeta{
						Name:      "app",
						Namespace: "apps",
						Labels: map[string]string{
							"app.kubernetes.io/managed-by": "kvmigrate",
						},
						Annotations: map[string]string{
							"kvmigrate.io/source-path":  "secret/app",
							"kvmigrate.io/content-hash": hash,
						},
					},
					Data: data,
				}
			},
		},

		"Non UTF-8 values should be stored as binary data.": {
			target: model.Target{Namespace: "apps"},
			entry: model.Entry{
				Mount: "secret",
				Path:  "app",
				Data: map[string]interface{}{
					"blob": string([]byte{0xff, 0xfe, 0x00}),
					"text": "hello",
				},
			},
			expCM: func() *corev1.ConfigMap {
				data := map[string]string{"text": "hello"}
				binaryData := map[string][]byte{"blob": {0xff, 0xfe, 0x00}}
				hash, _ := transform.ContentHash(data, binaryData)
				return &corev1.ConfigMap{
					TypeMeta: metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
					ObjectMeta: metav1.ObjectMeta{
						Name:      "app",
						Namespace: "apps",
						Labels: map[string]string{
							"app.kubernetes.io/managed-by": "kvmigrate",
						},
						Annotations: map[string]string{
							"kvmigrate.io/source-path":  "secret/app",
							"kvmigrate.io/content-hash": hash,
						},
					},
					Data:       data,
					BinaryData: binaryData,
				}
			},
		},

		"Base64 flagged values should be decoded into binary data.": {
			target: model.Target{Namespace: "apps"},
			entry: model.Entry{
				Mount: "secret",
				Path:  "app",
				Data: map[string]interface{}{
					"blob": "base64://4A",
					"text": "hello",
				},
			},
			expCM: func() *corev1.ConfigMap {
				data := map[string]string{"text": "hello"}
				binaryData := map[string][]byte{"blob": {0xff, 0xfe, 0x00}}
				hash, _ := transform.ContentHash(data, binaryData)
				return &corev1.ConfigMap{
					TypeMeta: metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
					ObjectMeta: metav1.ObjectMeta{
						Name:      "app",
						Namespace: "apps",
						Labels: map[string]string{
							"app.kubernetes.io/managed-by": "kvmigrate",
						},
						Annotations: map[string]string{
							"kvmigrate.io/source-path":  "secret/app",
							"kvmigrate.io/content-hash": hash,
						},
					},
					Data:       data,
					BinaryData: binaryData,
				}
			},
		},

		"Base64 flagged values that don't decode should fail.": {
			target: model.Target{Namespace: "apps"},
			entry: model.Entry{
				Mount: "secret",
				Path:  "app",
				Data:  map[string]interface{}{"blob": "base64:!!!"},
			},
			expErr: true,
		},

		"Invalid key characters should be sanitized into underscores.": {
			target: model.Target{Namespace: "apps"},
			entry: model.Entry{
				Mount: "secret",
				Path:  "app",
				Data:  map[string]interface{}{"db host": "x", "_private": "y"},
			},
			expCM: func() *corev1.ConfigMap {
				data := map[string]string{"db_host": "x", "_private": "y"}
				hash, _ := transform.ContentHash(data, nil)
				return &corev1.ConfigMap{
					TypeMeta: metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
					ObjectMeta: metav1.ObjectMeta{
						Name:      "app",
						Namespace: "apps",
						Labels: map[string]string{
							"app.kubernetes.io/managed-by": "kvmigrate",
						},
						Annotations: map[string]string{
							"kvmigrate.io/source-path":  "secret/app",
							"kvmigrate.io/content-hash": hash,
						},
					},
					Data: data,
				}
			},
		},

		"Keys that collide after sanitizing should fail.": {
			target: model.Target{Namespace: "apps"},
			entry: model.Entry{
				Mount: "secret",
				Path:  "app",
				Data:  map[string]interface{}{"db host": "x", "db/host": "y"},
			},
			expErr: true,
		},

		"Keys that sanitize to nothing should fail.": {
			target: model.Target{Namespace: "apps"},
			entry: model.Entry{
				Mount: "secret",
				Path:  "app",
				Data:  map[string]interface{}{"@@": "x"},
			},
			expErr: true,
		},

		"Payloads over the ConfigMap size limit should fail.": {
			target: model.Target{Namespace: "apps"},
			entry: model.Entry{
				Mount: "secret",
				Path:  "app",
				Data:  map[string]interface{}{"big": strings.Repeat("x", 1<<20)},
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			gotCM, err := transform.NewTransformer(test.target).ConfigMapForEntry(test.entry)

			if test.expErr {
				assert.Error(err)
			} else if assert.NoError(err) {
				assert.Equal(test.expCM(), gotCM)
			}
		})
	}
}

func TestConfigMapName(t *testing.T) {
	tests := map[string]struct {
		prefix    string
		entryPath string
		expName   string
	}{
		"Hierarchical paths should be flattened with dashes.": {
			entryPath: "app/config/db",
			expName:   "app-config-db",
		},

		"The prefix should be prepended with a dash.": {
			prefix:    "migrated",
			entryPath: "app",
			expName:   "migrated-app",
		},

		"An uppercase prefix should be folded to a valid name.": {
			prefix:    "MyApp",
			entryPath: "app/config/db",
			expName:   "myapp-app-config-db",
		},

		"A prefix with invalid characters should be folded too.": {
			prefix:    "my_app.",
			entryPath: "app",
			expName:   "my-app-app",
		},

		"Uppercase and invalid characters should be folded.": {
			entryPath: "Team_A/My App",
			expName:   "team-a-my-app",
		},

		"Dash runs and edge dashes should be collapsed.": {
			entryPath: "/a//b--c/",
			expName:   "a-b-c",
		},

		"Overlong names should be truncated and hash suffixed.": {
			entryPath: strings.Repeat("a", 300),
			expName:   strings.Repeat("a", 244) + "-279e8f01",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			gotName := transform.ConfigMapName(test.prefix, test.entryPath)

			assert.Equal(t, test.expName, gotName)
			assert.LessOrEqual(t, len(gotName), 253)
		})
	}
}

func TestContentHash(t *testing.T) {
	t.Run("Same payload should hash the same.", func(t *testing.T) {
		assert := assert.New(t)

		h1, err := transform.ContentHash(map[string]string{"a": "1", "b": "2"}, nil)
		assert.NoError(err)
		h2, err := transform.ContentHash(map[string]string{"b": "2", "a": "1"}, nil)
		assert.NoError(err)

		assert.Equal(h1, h2)
	})

	t.Run("Different payloads should hash differently.", func(t *testing.T) {
		assert := assert.New(t)

		h1, err := transform.ContentHash(map[string]string{"a": "1"}, nil)
		assert.NoError(err)
		h2, err := transform.ContentHash(map[string]string{"a": "2"}, nil)
		assert.NoError(err)

		assert.NotEqual(h1, h2)
	})
}
