/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/oran-energy/energy-saving-rapp/internal/logging"
)

// NewKubeClient returns a clientset from the in-cluster config or the local kubeconfig.
func NewKubeClient() (kubernetes.Interface, error) {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes client config: %w", err)
	}
	return kubernetes.NewForConfig(restConfig)
}

// LoadUnitOverridesConfigMap reads per-unit overrides from a Kubernetes ConfigMap.
func LoadUnitOverridesConfigMap(
	ctx context.Context,
	client kubernetes.Interface,
	namespace, name string,
	base Thresholds,
) (UnitOverrideData, error) {
	logger := ctrl.LoggerFrom(ctx)

	if name == "" {
		name = DefaultUnitOverridesConfigMapName
	}
	cm, err := client.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting configmap %s/%s: %w", namespace, name, err)
	}
	logger.V(logging.DEBUG).Info("Loaded unit overrides ConfigMap",
		"namespace", namespace,
		"name", name,
		"entries", len(cm.Data))
	return ParseUnitOverrides(cm.Data, base), nil
}
