package kube

import (
	"encoding/base64"
	"fmt"
	"os"

	"k8s.io/client-go/kubernetes"
	_ "k8s.io/client-go/plugin/pkg/client/auth/exec"
	_ "k8s.io/client-go/plugin/pkg/client/auth/oidc"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	kubeTokenFilePath     = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	kubeNamespaceFilePath = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
)

type KubeConfigOptions struct {
	Context          string
	ConfigPath       string
	ConfigDataBase64 string
}

type KubeConfig struct {
	Config           *rest.Config
	Context          string
	DefaultNamespace string
}

// GetKubeConfig resolves a rest config from the explicit options, the default
// kubeconfig locations, or the in-cluster service account, in that order.
func GetKubeConfig(opts KubeConfigOptions) (*KubeConfig, error) {
	config, outOfClusterErr := getOutOfClusterConfig(opts.Context, opts.ConfigPath, opts.ConfigDataBase64)
	if config != nil {
		return config, nil
	}

	if hasInClusterConfig() {
		config, err := getInClusterConfig()
		if err != nil {
			if outOfClusterErr != nil {
				return nil, fmt.Errorf("out-of-cluster config error: %w, in-cluster config error: %w", outOfClusterErr, err)
			}
			return nil, err
		}
		return config, nil
	}

	if outOfClusterErr != nil {
		return nil, outOfClusterErr
	}

	return nil, fmt.Errorf("no cluster credentials found: no kubeconfig available and not running in cluster")
}

func makeOutOfClusterClientConfigError(configPath, context string, err error) error {
	baseErrMsg := "out-of-cluster configuration problem"

	if configPath != "" {
		baseErrMsg += fmt.Sprintf(", custom kube config path is %q", configPath)
	}

	if context != "" {
		baseErrMsg += fmt.Sprintf(", custom kube context is %q", context)
	}

	return fmt.Errorf("%s: %w", baseErrMsg, err)
}

func getClientConfig(context, configPath string, configData []byte) (clientcmd.ClientConfig, error) {
	overrides := &clientcmd.ConfigOverrides{ClusterDefaults: clientcmd.ClusterDefaults}
	if context != "" {
		overrides.CurrentContext = context
	}

	if configData != nil {
		config, err := clientcmd.Load(configData)
		if err != nil {
			return nil, fmt.Errorf("unable to load config data: %w", err)
		}

		return clientcmd.NewDefaultClientConfig(*config, overrides), nil
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.DefaultClientConfig = &clientcmd.DefaultClientConfig
	if configPath != "" {
		rules.ExplicitPath = configPath
	}

	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides), nil
}

func hasInClusterConfig() bool {
	return fileExists(kubeTokenFilePath) && fileExists(kubeNamespaceFilePath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func parseConfigDataBase64(configDataBase64 string) ([]byte, error) {
	if configDataBase64 == "" {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(configDataBase64)
	if err != nil {
		return nil, fmt.Errorf("unable to decode base64 config data: %w", err)
	}

	return data, nil
}

func getOutOfClusterConfig(context, configPath, configDataBase64 string) (*KubeConfig, error) {
	res := &KubeConfig{}

	configData, err := parseConfigDataBase64(configDataBase64)
	if err != nil {
		return nil, fmt.Errorf("unable to parse base64 config data: %w", err)
	}

	clientConfig, err := getClientConfig(context, configPath, configData)
	if err != nil {
		return nil, makeOutOfClusterClientConfigError(configPath, context, err)
	}

	if ns, _, err := clientConfig.Namespace(); err != nil {
		return nil, fmt.Errorf("cannot determine default kubernetes namespace: %w", err)
	} else {
		res.DefaultNamespace = ns
	}

	config, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, makeOutOfClusterClientConfigError(configPath, context, err)
	}
	if config == nil {
		return nil, nil
	}
	res.Config = config

	if context == "" {
		if rc, err := clientConfig.RawConfig(); err != nil {
			return nil, fmt.Errorf("cannot get raw kubernetes config: %w", err)
		} else {
			res.Context = rc.CurrentContext
		}
	} else {
		res.Context = context
	}

	return res, nil
}

func getInClusterConfig() (*KubeConfig, error) {
	res := &KubeConfig{Context: "inClusterContext"}

	if config, err := rest.InClusterConfig(); err != nil {
		return nil, fmt.Errorf("in-cluster configuration problem: %w", err)
	} else {
		res.Config = config
	}

	if data, err := os.ReadFile(kubeNamespaceFilePath); err != nil {
		return nil, fmt.Errorf("in-cluster configuration problem: cannot determine default kubernetes namespace: error reading %s: %w", kubeNamespaceFilePath, err)
	} else {
		res.DefaultNamespace = string(data)
	}

	return res, nil
}

func newClientset(opts KubeConfigOptions) (kubernetes.Interface, error) {
	config, err := GetKubeConfig(opts)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(config.Config)
	if err != nil {
		return nil, err
	}

	return clientset, nil
}
