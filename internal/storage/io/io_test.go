package io_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kvmigrate/kvmigrate/internal/log"
	storageio "github.com/kvmigrate/kvmigrate/internal/storage/io"
)

func TestIOWriterManifestRepoStoreConfigMaps(t *testing.T) {
	tests := map[string]struct {
		cms    []*corev1.ConfigMap
		expOut string
		expErr error
	}{
		"Storing no ConfigMaps should fail with a specific error.": {
			cms:    []*corev1.ConfigMap{},
			expErr: storageio.ErrNoConfigMaps,
		},

		"ConfigMaps should be written as a multi-document YAML stream.": {
			cms: []*corev1.ConfigMap{
				{
					TypeMeta: metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
					ObjectMeta: metav1.ObjectMeta{
						Name:      "cm1",
						Namespace: "apps",
					},
					Data: map[string]string{"k": "v"},
				},
				{
					TypeMeta: metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
					ObjectMeta: metav1.ObjectMeta{
						Name:      "cm2",
						Namespace: "apps",
					},
					Data: map[string]string{"k2": "v2"},
				},
			},
			expOut: `---
apiVersion: v1
data:
  k: v
kind: ConfigMap
metadata:
  creationTimestamp: null
  name: cm1
  namespace: apps
---
apiVersion: v1
data:
  k2: v2
kind: ConfigMap
metadata:
  creationTimestamp: null
  name: cm2
  namespace: apps
`,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			var b bytes.Buffer
			repo := storageio.NewIOWriterManifestRepo(&b, log.Noop)

			err := repo.StoreConfigMaps(context.TODO(), test.cms)

			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
			} else if assert.NoError(err) {
				gotOut := b.String()
				// The manifest starts with a generation disclaimer carrying the
				// build version, check it and strip it before comparing.
				assert.Regexp("^# Code generated by kvmigrate", gotOut)
				assert.Equal(test.expOut, gotOut[strings.Index(gotOut, "---\n"):])
			}
		})
	}
}
