package rmq

import (
	"fmt"
	"testing"
)

func buildQueueSet(topic string, n int) []MessageQueue {
	mqs := make([]MessageQueue, n)
	for i := 0; i < n; i++ {
		mqs[i] = MessageQueue{Topic: topic, BrokerName: "broker-a", QueueID: int32(i)}
	}
	SortMessageQueues(mqs)
	return mqs
}

func buildClientIDs(n int) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("client-%02d", i)
	}
	return ids
}

// assertPartition checks that strategy assigns every queue in mqs to
// exactly one client in clientIDs.
func assertPartition(t *testing.T, strategy AllocationStrategy, mqs []MessageQueue, clientIDs []string) {
	t.Helper()
	seen := make(map[string]string) // queue key -> owning client

	for _, id := range clientIDs {
		for _, mq := range strategy.Allocate("group", id, mqs, clientIDs) {
			if owner, ok := seen[mq.Key()]; ok {
				t.Fatalf("%s: queue %s assigned to both %s and %s", strategy.Name(), mq.Key(), owner, id)
			}
			seen[mq.Key()] = id
		}
	}

	if len(seen) != len(mqs) {
		t.Fatalf("%s: assigned %d of %d queues", strategy.Name(), len(seen), len(mqs))
	}
}

func TestAllocationStrategiesPartition(t *testing.T) {
	strategies := []AllocationStrategy{AveragedAllocationStrategy{}, ConsistentHashAllocationStrategy{}}
	cases := []struct {
		queues, clients int
	}{
		{queues: 8, clients: 3},
		{queues: 3, clients: 8},
		{queues: 0, clients: 3},
		{queues: 5, clients: 1},
		{queues: 17, clients: 4},
	}

	for _, strategy := range strategies {
		for _, c := range cases {
			mqs := buildQueueSet("orders", c.queues)
			clientIDs := buildClientIDs(c.clients)
			assertPartition(t, strategy, mqs, clientIDs)
		}
	}
}

func TestAveragedAllocationStrategyIsDeterministic(t *testing.T) {
	mqs := buildQueueSet("orders", 10)
	clientIDs := buildClientIDs(4)
	strategy := AveragedAllocationStrategy{}

	first := strategy.Allocate("group", clientIDs[1], mqs, clientIDs)
	second := strategy.Allocate("group", clientIDs[1], mqs, clientIDs)
	if len(first) != len(second) {
		t.Fatalf("non-deterministic allocation: %d vs %d queues", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("non-deterministic allocation at index %d: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestAveragedAllocationStrategyContiguousBalanced(t *testing.T) {
	mqs := buildQueueSet("orders", 10)
	clientIDs := buildClientIDs(3) // 4,3,3
	strategy := AveragedAllocationStrategy{}

	sizes := make([]int, len(clientIDs))
	for i, id := range clientIDs {
		sizes[i] = len(strategy.Allocate("group", id, mqs, clientIDs))
	}
	want := []int{4, 3, 3}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("client %d got %d queues, want %d", i, sizes[i], want[i])
		}
	}
}

func TestAllocationStrategyUnknownClientReturnsNil(t *testing.T) {
	mqs := buildQueueSet("orders", 4)
	clientIDs := buildClientIDs(2)
	for _, strategy := range []AllocationStrategy{AveragedAllocationStrategy{}, ConsistentHashAllocationStrategy{}} {
		if got := strategy.Allocate("group", "not-a-member", mqs, clientIDs); got != nil {
			t.Errorf("%s: Allocate for unknown client = %v, want nil", strategy.Name(), got)
		}
	}
}

func TestConsistentHashAllocationStrategyLowChurn(t *testing.T) {
	mqs := buildQueueSet("orders", 30)
	before := buildClientIDs(4)
	after := append(buildClientIDs(4), "client-04")

	owners := func(clientIDs []string) map[string]string {
		strategy := ConsistentHashAllocationStrategy{}
		out := make(map[string]string)
		for _, id := range clientIDs {
			for _, mq := range strategy.Allocate("group", id, mqs, clientIDs) {
				out[mq.Key()] = id
			}
		}
		return out
	}

	beforeOwners := owners(before)
	afterOwners := owners(after)

	moved := 0
	for key, owner := range beforeOwners {
		if afterOwners[key] != owner {
			moved++
		}
	}

	// A single new member joining a 4-member group should not force every
	// queue to move, unlike the averaged strategy's shifting boundaries.
	if moved >= len(mqs) {
		t.Fatalf("consistent-hash allocation churned all %d queues on a single join", len(mqs))
	}
}
