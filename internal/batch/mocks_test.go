package batch

import (
	"context"
	"sync"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/vm"
)

// mockHosts is a fixed, ordered host list.
type mockHosts []string

func (h mockHosts) Names() []string { return append([]string(nil), h...) }

func (h mockHosts) Get(name string) (v1alpha1.Host, error) {
	for _, n := range h {
		if n == name {
			return v1alpha1.Host{Name: n, Address: "10.0.0.1"}, nil
		}
	}
	return v1alpha1.Host{}, faults.New(faults.ErrHostNotFound, "lookup", nil).WithTarget(name, "")
}

type operateCall struct {
	Verb v1alpha1.Verb
	Host string
	VM   string
	Args vm.Args
}

// mockOperator is a mock implementation of the operator interface.
type mockOperator struct {
	mu sync.Mutex

	// Configurable behavior
	inventory   map[string][]v1alpha1.VM
	listErr     map[string]error
	operateFunc func(ctx context.Context, verb v1alpha1.Verb, host, name string, args vm.Args) v1alpha1.OperationResult

	// Call tracking
	listCalls    []string
	operateCalls []operateCall
	inFlight     int
	maxInFlight  int
}

func newMockOperator() *mockOperator {
	m := &mockOperator{
		inventory: make(map[string][]v1alpha1.VM),
		listErr:   make(map[string]error),
	}
	// Default: every operation succeeds on the first attempt
	m.operateFunc = func(ctx context.Context, verb v1alpha1.Verb, host, name string, args vm.Args) v1alpha1.OperationResult {
		return v1alpha1.Succeeded(v1alpha1.Target{Host: host, VM: name}, verb, 1, "")
	}
	return m
}

func (m *mockOperator) add(host string, name string, st v1alpha1.VMStatus) {
	m.inventory[host] = append(m.inventory[host], v1alpha1.VM{Name: name, Host: host, Status: st})
}

func (m *mockOperator) List(_ context.Context, host string) ([]v1alpha1.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls = append(m.listCalls, host)
	if err := m.listErr[host]; err != nil {
		return nil, err
	}
	return append([]v1alpha1.VM(nil), m.inventory[host]...), nil
}

func (m *mockOperator) Operate(ctx context.Context, verb v1alpha1.Verb, host, name string, args vm.Args) v1alpha1.OperationResult {
	m.mu.Lock()
	m.operateCalls = append(m.operateCalls, operateCall{Verb: verb, Host: host, VM: name, Args: args})
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	fn := m.operateFunc
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()
	return fn(ctx, verb, host, name, args)
}

func (m *mockOperator) operated() []operateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]operateCall(nil), m.operateCalls...)
}

func (m *mockOperator) peak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// byTarget indexes results by "host/vm".
func byTarget(results []v1alpha1.OperationResult) map[string]v1alpha1.OperationResult {
	out := make(map[string]v1alpha1.OperationResult, len(results))
	for _, r := range results {
		out[r.Target.String()] = r
	}
	return out
}
