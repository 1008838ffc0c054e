package k8s

import (
	kubernetesfake "k8s.io/client-go/kubernetes/fake"

	"github.com/kvmigrate/kvmigrate/internal/log"
)

// NewFakeApiserverRepository returns a Kubernetes storage that fakes all the
// Kubernetes client calls, a cluster is not required.
func NewFakeApiserverRepository(logger log.Logger) ApiserverRepository {
	return NewApiserverRepository(kubernetesfake.NewSimpleClientset(), logger)
}
