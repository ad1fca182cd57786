package store

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-recovery/internal/remediation"
)

// Defaults for the ConfigMap backend.
const (
	DefaultConfigMapName      = "cassanova-remediation-state"
	DefaultConfigMapNamespace = "default"
	stateKey                  = "state.json"
)

// ConfigMapStore keeps the state as JSON under one key of a ConfigMap.
type ConfigMapStore struct {
	clientset kubernetes.Interface
	namespace string
	name      string
}

// NewConfigMapStore creates a store for namespace/name. Empty values use the defaults.
func NewConfigMapStore(clientset kubernetes.Interface, namespace, name string) *ConfigMapStore {
	if namespace == "" {
		namespace = DefaultConfigMapNamespace
	}
	if name == "" {
		name = DefaultConfigMapName
	}
	return &ConfigMapStore{clientset: clientset, namespace: namespace, name: name}
}

// Load reads the ConfigMap. When it does not exist an empty state is
// created and persisted.
func (s *ConfigMapStore) Load(ctx context.Context) (*remediation.ControllerState, error) {
	cm, err := s.clientset.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		state := remediation.NewControllerState()
		if err := s.Save(ctx, state); err != nil {
			return nil, err
		}
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get configmap %s/%s: %w", s.namespace, s.name, err)
	}
	return decode([]byte(cm.Data[stateKey]))
}

// Save replaces the ConfigMap, creating it on first write.
func (s *ConfigMapStore) Save(ctx context.Context, state *remediation.ControllerState) error {
	data, err := encode(state)
	if err != nil {
		return err
	}
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.name,
			Namespace: s.namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "tb-recovery"},
		},
		Data: map[string]string{stateKey: string(data)},
	}

	_, err = s.clientset.CoreV1().ConfigMaps(s.namespace).Update(ctx, cm, metav1.UpdateOptions{})
	if apierrors.IsNotFound(err) {
		_, err = s.clientset.CoreV1().ConfigMaps(s.namespace).Create(ctx, cm, metav1.CreateOptions{})
	}
	if err != nil {
		return fmt.Errorf("write configmap %s/%s: %w", s.namespace, s.name, err)
	}
	return nil
}
