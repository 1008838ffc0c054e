package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	_ "k8s.io/client-go/plugin/pkg/client/auth" // Init all available Kube client auth systems.
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/kvmigrate/kvmigrate/internal/log"
	"github.com/kvmigrate/kvmigrate/internal/model"
	"github.com/kvmigrate/kvmigrate/internal/plan"
	storagek8s "github.com/kvmigrate/kvmigrate/internal/storage/k8s"
	"github.com/kvmigrate/kvmigrate/internal/vault"
)

var runModes = []string{runModeDefault, runModeDryRun, runModeFake}

const (
	// default mode will run using real Kubernetes clients.
	runModeDefault = "default"
	// dry-run mode uses real Kubernetes clients, but ignoring Kubernetes write operations.
	runModeDryRun = "dry-run"
	// fake mode fakes all the Kubernetes client calls, a Kubernetes cluster is not required.
	runModeFake = "fake"
)

const (
	authMethodToken      = "token"
	authMethodAppRole    = "approle"
	authMethodKubernetes = "kubernetes"
)

var authMethods = []string{authMethodToken, authMethodAppRole, authMethodKubernetes}

// sourceStoreFlags are the source store connection flags, shared by every
// command that talks to the source store.
type sourceStoreFlags struct {
	address         string
	timeout         time.Duration
	caCert          string
	tlsSkipVerify   bool
	authMethod      string
	token           string
	appRoleMount    string
	appRoleID       string
	appRoleSecretID string
	k8sAuthMount    string
	k8sAuthRole     string
	k8sSATokenPath  string
}

func registerSourceStoreFlags(cmd *kingpin.CmdClause) *sourceStoreFlags {
	f := &sourceStoreFlags{}

	cmd.Flag("vault-addr", "Source store API address.").Required().StringVar(&f.address)
	cmd.Flag("vault-timeout", "Source store request timeout.").Default("30s").DurationVar(&f.timeout)
	cmd.Flag("vault-ca-cert", "Path to a CA cert file used to verify the source store certificate.").StringVar(&f.caCert)
	cmd.Flag("vault-tls-skip-verify", "Disable source store certificate verification.").BoolVar(&f.tlsSkipVerify)
	cmd.Flag("vault-auth", "Source store auth method.").Default(authMethodToken).EnumVar(&f.authMethod, authMethods...)
	cmd.Flag("vault-token", "Source store token, used when auth method is token.").StringVar(&f.token)
	cmd.Flag("vault-approle-mount", "AppRole auth mount.").Default("approle").StringVar(&f.appRoleMount)
	cmd.Flag("vault-approle-role-id", "AppRole role id.").StringVar(&f.appRoleID)
	cmd.Flag("vault-approle-secret-id", "AppRole secret id.").StringVar(&f.appRoleSecretID)
	cmd.Flag("vault-k8s-auth-mount", "Kubernetes auth mount.").Default("kubernetes").StringVar(&f.k8sAuthMount)
	cmd.Flag("vault-k8s-auth-role", "Kubernetes auth role.").StringVar(&f.k8sAuthRole)
	cmd.Flag("vault-k8s-sa-token-path", "Kubernetes auth service account token path.").StringVar(&f.k8sSATokenPath)

	return f
}

// newSourceStoreClient creates the source store client, authenticates it and
// checks the store is reachable and unsealed.
func (f sourceStoreFlags) newSourceStoreClient(ctx context.Context, logger log.Logger) (*vault.Client, error) {
	cli, err := vault.NewClient(vault.ClientConfig{
		Address:       f.address,
		Timeout:       f.timeout,
		TLSCACert:     f.caCert,
		TLSSkipVerify: f.tlsSkipVerify,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create source store client: %w", err)
	}

	switch f.authMethod {
	case authMethodToken:
		err = cli.AuthToken(f.token)
	case authMethodAppRole:
		err = cli.AuthAppRole(ctx, f.appRoleMount, f.appRoleID, f.appRoleSecretID)
	case authMethodKubernetes:
		err = cli.AuthKubernetes(ctx, f.k8sAuthMount, f.k8sAuthRole, f.k8sSATokenPath)
	}
	if err != nil {
		return nil, fmt.Errorf("could not authenticate against the source store: %w", err)
	}

	err = cli.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("source store is not ready: %w", err)
	}

	return cli, nil
}

// kubernetesFlags are the Kubernetes connection flags, shared by every command
// that talks to a cluster.
type kubernetesFlags struct {
	kubeLocal   bool
	kubeConfig  string
	kubeContext string
	runMode     string
}

func registerKubernetesFlags(cmd *kingpin.CmdClause) *kubernetesFlags {
	f := &kubernetesFlags{}

	kubeHome := filepath.Join(homedir.HomeDir(), ".kube", "config")
	cmd.Flag("kube-local", "Enable local Kubernetes credentials load.").BoolVar(&f.kubeLocal)
	cmd.Flag("kube-config", "Kubernetes configuration path, only used when local credentials load is enabled.").Default(kubeHome).StringVar(&f.kubeConfig)
	cmd.Flag("kube-context", "Kubernetes context, only used when local credentials load is enabled.").StringVar(&f.kubeContext)
	cmd.Flag("mode", "Selects the run mode.").Default(runModeDefault).EnumVar(&f.runMode, runModes...)

	return f
}

// configMapRepository is an internal interface so we can return all the
// Kubernetes storage specific implementations from the same function
// (regular, dry-run, fake).
type configMapRepository interface {
	EnsureConfigMap(ctx context.Context, cm *corev1.ConfigMap) (changed bool, err error)
	GetConfigMap(ctx context.Context, ns, name string) (*corev1.ConfigMap, error)
	DeleteConfigMap(ctx context.Context, ns, name string) error
	ListManagedConfigMaps(ctx context.Context, ns string) (*corev1.ConfigMapList, error)
	WatchManagedConfigMaps(ctx context.Context, ns string) (watch.Interface, error)
}

// newKubernetesClient loads the Kubernetes client based on the flags, fake
// mode doesn't need a cluster.
func (f kubernetesFlags) newKubernetesClient(logger log.Logger) (kubernetes.Interface, error) {
	logger.Infof("Loading Kubernetes configuration...")

	cfg, err := f.loadKubernetesConfig()
	if err != nil {
		return nil, fmt.Errorf("could not load Kubernetes configuration: %w", err)
	}

	cli, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create Kubernetes client: %w", err)
	}

	return cli, nil
}

// newKubernetesRepository returns the ConfigMap storage for the selected run
// mode, and the real client when one was needed (nil on fake mode).
func (f kubernetesFlags) newKubernetesRepository(logger log.Logger) (repo configMapRepository, kubeCli kubernetes.Interface, err error) {
	// Fake mode.
	if f.runMode == runModeFake {
		return storagek8s.NewFakeApiserverRepository(logger), nil, nil
	}

	kubeCli, err = f.newKubernetesClient(logger)
	if err != nil {
		return nil, nil, err
	}

	ksvc := storagek8s.NewApiserverRepository(kubeCli, logger)

	// Dry run mode.
	if f.runMode == runModeDryRun {
		logger.Warningf("Kubernetes in dry run mode")
		return storagek8s.NewDryRunApiserverRepository(ksvc, logger), kubeCli, nil
	}

	// Default mode.
	return ksvc, kubeCli, nil
}

// loadKubernetesConfig loads kubernetes configuration based on flags.
func (f kubernetesFlags) loadKubernetesConfig() (*rest.Config, error) {
	var cfg *rest.Config

	// If kube local mode then use configuration flag path.
	if f.kubeLocal {
		config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{
				ExplicitPath: f.kubeConfig,
			},
			&clientcmd.ConfigOverrides{
				CurrentContext: f.kubeContext,
			}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("could not load configuration: %w", err)
		}
		cfg = config
	} else {
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("error loading kubernetes configuration inside cluster, check app is running outside kubernetes cluster or run in local mode: %w", err)
		}
		cfg = config
	}

	// Set better cli rate limiter.
	cfg.QPS = 100
	cfg.Burst = 100

	return cfg, nil
}

// loadPlanFile loads and validates a migration plan file.
func loadPlanFile(ctx context.Context, planPath string) (*model.Plan, error) {
	data, err := os.ReadFile(planPath)
	if err != nil {
		return nil, fmt.Errorf("could not read migration plan file: %w", err)
	}

	p, err := plan.YAMLPlanLoader.LoadPlan(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("could not load migration plan: %w", err)
	}

	return p, nil
}
