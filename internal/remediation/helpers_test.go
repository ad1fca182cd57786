package remediation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	testingclock "k8s.io/utils/clock/testing"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const affinityMsg = "0/3 nodes are available: 3 node(s) had volume node affinity conflict."

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pendingPod(name, dc, rack, node, msg string, pvcs ...string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "cass",
			Labels: map[string]string{
				LabelManagedBy:   "k8ssandra-operator",
				LabelClusterName: "demo",
				LabelDatacenter:  dc,
				LabelRack:        rack,
			},
			Finalizers: []string{"kubernetes.io/pvc-protection"},
		},
		Spec: corev1.PodSpec{NodeName: node},
		Status: corev1.PodStatus{
			Phase: corev1.PodPending,
			Conditions: []corev1.PodCondition{{
				Type:    corev1.PodScheduled,
				Status:  corev1.ConditionFalse,
				Reason:  "Unschedulable",
				Message: msg,
			}},
		},
	}
	for _, c := range pvcs {
		pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
			Name: c,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: c},
			},
		})
	}
	return pod
}

func pvc(name string) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:       name,
			Namespace:  "cass",
			Finalizers: []string{"kubernetes.io/pvc-protection"},
		},
	}
}

func newDynamic(objs ...runtime.Object) *dynamicfake.FakeDynamicClient {
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{TaskGVR: "K8ssandraTaskList"}, objs...)
}

// setTaskStatus sets status.<field>=1 on an existing task.
func setTaskStatus(t *testing.T, dyn *dynamicfake.FakeDynamicClient, name, field string) {
	t.Helper()
	ctx := context.Background()
	obj, err := dyn.Resource(TaskGVR).Namespace("cass").Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get task %s: %v", name, err)
	}
	if err := unstructured.SetNestedField(obj.Object, int64(1), "status", field); err != nil {
		t.Fatal(err)
	}
	if _, err := dyn.Resource(TaskGVR).Namespace("cass").Update(ctx, obj, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("update task %s: %v", name, err)
	}
}

// memStore is a minimal StateStore that round-trips through JSON like the
// real backends do.
type memStore struct {
	mu      sync.Mutex
	data    []byte
	loadErr error
	loads   int
	saves   int
}

func (s *memStore) setLoadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

func (s *memStore) counts() (loads, saves int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.saves
}

func (s *memStore) Load(_ context.Context) (*ControllerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	state := NewControllerState()
	if len(s.data) > 0 {
		if err := json.Unmarshal(s.data, state); err != nil {
			return nil, err
		}
		state.Normalize()
	}
	return state, nil
}

func (s *memStore) Save(_ context.Context, state *ControllerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.saves++
	return nil
}

func (s *memStore) snapshot(t *testing.T) *ControllerState {
	t.Helper()
	st, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return st
}

type harness struct {
	clientset *fake.Clientset
	dyn       *dynamicfake.FakeDynamicClient
	clock     *testingclock.FakeClock
	store     *memStore
	ctrl      *Controller
}

func newHarness(t *testing.T, maxPerDC, maxPerRack int, objs ...runtime.Object) *harness {
	t.Helper()
	h := &harness{
		clientset: fake.NewSimpleClientset(objs...),
		dyn:       newDynamic(),
		clock:     testingclock.NewFakeClock(t0),
		store:     &memStore{},
	}
	log := quietLogger()
	h.ctrl = NewController(Config{AutoPoll: true, PollInterval: time.Hour}, Deps{
		Store:    h.store,
		Detector: NewDetector(h.clientset, "", h.clock, log),
		Governor: NewGovernor(maxPerDC, maxPerRack),
		Tasks:    NewOrchestrator(h.clientset, h.dyn, log),
		Clock:    h.clock,
		Logger:   log,
	})
	return h
}

// tick runs one cycle, on the loop goroutine when the controller is started.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	var err error
	if h.ctrl.Running() {
		err = h.ctrl.do(ctx, h.ctrl.Tick)
	} else {
		err = h.ctrl.Tick(ctx)
	}
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.ctrl.Start(context.Background())
	t.Cleanup(func() {
		if err := h.ctrl.Stop(); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
}

// recordFor returns the single record tracking pod.
func recordFor(t *testing.T, st *ControllerState, pod string) *Record {
	t.Helper()
	for _, r := range st.Remediations {
		if r.PodName == pod {
			return r
		}
	}
	t.Fatalf("no record for pod %s", pod)
	return nil
}

// waitFor polls cond until it holds or a few seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func assertGovernorConsistent(t *testing.T, st *ControllerState) {
	t.Helper()
	if err := NewGovernor(1, 1).Check(st); err != nil {
		t.Fatal(err)
	}
}
