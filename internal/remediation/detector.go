package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
)

// Labels the k8ssandra operator stamps on Cassandra pods.
const (
	LabelManagedBy   = "app.kubernetes.io/managed-by"
	LabelClusterName = "k8ssandra.io/cluster-name"
	LabelDatacenter  = "cassandra.datastax.com/datacenter"
	LabelRack        = "cassandra.datastax.com/rack"

	DefaultPodSelector = LabelManagedBy + "=k8ssandra-operator"

	unknownDomain = "unknown"
	unknownNode   = "unknown-node"
)

// Detector finds pending pods that cannot schedule because their volumes are
// pinned to a node they can no longer reach.
type Detector struct {
	clientset     kubernetes.Interface
	labelSelector string
	clock         clock.PassiveClock
	log           *slog.Logger
}

// NewDetector creates a detector. An empty selector uses DefaultPodSelector.
func NewDetector(clientset kubernetes.Interface, labelSelector string, clk clock.PassiveClock, log *slog.Logger) *Detector {
	if labelSelector == "" {
		labelSelector = DefaultPodSelector
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		clientset:     clientset,
		labelSelector: labelSelector,
		clock:         clk,
		log:           log.With("component", "detector"),
	}
}

// Detect returns new pending-approval records for qualifying pods not already
// tracked in existing. It never mutates existing.
func (d *Detector) Detect(ctx context.Context, existing *ControllerState) ([]*Record, error) {
	pods, err := d.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "status.phase=" + string(corev1.PodPending),
		LabelSelector: d.labelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending pods: %w", err)
	}

	now := d.clock.Now().UTC()
	seen := make(map[string]bool)
	var found []*Record
	for i := range pods.Items {
		pod := &pods.Items[i]
		if existing.HasPod(pod.Name) || seen[pod.Name] {
			continue
		}
		if !HasVolumeAffinityConflict(pod) {
			continue
		}
		seen[pod.Name] = true

		node := pod.Spec.NodeName
		if node == "" {
			node = unknownNode
		}
		rec := &Record{
			ID:          fmt.Sprintf("rem-%s-%d", pod.Name, now.Unix()),
			PodName:     pod.Name,
			Namespace:   pod.Namespace,
			ClusterName: labelOr(pod.Labels, LabelClusterName),
			Datacenter:  labelOr(pod.Labels, LabelDatacenter),
			Rack:        labelOr(pod.Labels, LabelRack),
			NodeName:    node,
			PVCs:        podClaims(pod),
			State:       StatePendingApproval,
			DetectedAt:  now,
			UpdatedAt:   now,
		}
		found = append(found, rec)
		d.log.Info("detected pod with volume affinity conflict, pending approval",
			"pod", pod.Name, "namespace", pod.Namespace, "dc", rec.Datacenter, "rack", rec.Rack)
	}
	return found, nil
}

// HasVolumeAffinityConflict reports whether the pod's scheduling condition
// blames volume node affinity.
func HasVolumeAffinityConflict(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type != corev1.PodScheduled || cond.Status != corev1.ConditionFalse {
			continue
		}
		msg := strings.ToLower(cond.Message)
		if strings.Contains(msg, "volume node affinity") {
			return true
		}
		if strings.Contains(msg, "volume") && strings.Contains(msg, "affinity") {
			return true
		}
	}
	return false
}

func podClaims(pod *corev1.Pod) []string {
	claims := []string{}
	for _, v := range pod.Spec.Volumes {
		if v.PersistentVolumeClaim != nil {
			claims = append(claims, v.PersistentVolumeClaim.ClaimName)
		}
	}
	return claims
}

func labelOr(labels map[string]string, key string) string {
	if v := labels[key]; v != "" {
		return v
	}
	return unknownDomain
}
