package rmq

import (
	"sort"

	"github.com/dgryski/go-rendezvous"
)

// AllocationStrategy deterministically splits a queue set across a client-
// id set. Implementations must be pure functions of their inputs: given
// identical (consumerGroup, mqList, clientIDList) on every client in the
// group, each queue is assigned to exactly one client (spec.md §4.C).
type AllocationStrategy interface {
	// Allocate returns the subset of mqList assigned to selfClientID.
	// mqList must already be sorted by SortMessageQueues and
	// clientIDList by ASCII order; callers (the rebalancer) are
	// responsible for that per the AllocationStrategy contract.
	Allocate(consumerGroup, selfClientID string, mqList []MessageQueue, clientIDList []string) []MessageQueue

	// Name identifies the strategy, e.g. for logging which allocation
	// ran during a rebalance.
	Name() string
}

// AveragedAllocationStrategy is the default AllocationStrategy from
// spec.md §4.C: client i (its index in the sorted clientIDList) owns a
// contiguous slice of mqList of size avg+(1 if i<mod else 0), starting at
// i*avg + min(i, mod), where avg = N/M (floor) and mod = N mod M.
type AveragedAllocationStrategy struct{}

func (AveragedAllocationStrategy) Name() string { return "AVG" }

func (AveragedAllocationStrategy) Allocate(_, selfClientID string, mqList []MessageQueue, clientIDList []string) []MessageQueue {
	n := len(mqList)
	m := len(clientIDList)
	if n == 0 || m == 0 {
		return nil
	}

	i := indexOf(clientIDList, selfClientID)
	if i < 0 {
		return nil
	}

	avg := n / m
	mod := n % m

	size := avg
	if i < mod {
		size++
	}
	start := i*avg + min(i, mod)

	if start >= n {
		return nil
	}
	end := start + size
	if end > n {
		end = n
	}

	out := make([]MessageQueue, end-start)
	copy(out, mqList[start:end])
	return out
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

// ConsistentHashAllocationStrategy implements rendezvous (highest-random-
// weight) hashing, mirroring the real rocketmq-client-go's
// AllocateMessageQueueConsistentHash strategy: each queue is scored
// against every client ID and assigned to whichever client scores
// highest. This keeps reassignment churn low when the client-id set
// changes (only queues whose highest scorer changes move), unlike the
// averaged strategy where a single client joining/leaving can shift every
// boundary. It remains a pure function of its inputs and still partitions
// mqList: rendezvous.New's scoring is a deterministic function of
// (queue key, client ID), so the same inputs always pick the same winner,
// and every queue has exactly one winner.
type ConsistentHashAllocationStrategy struct{}

func (ConsistentHashAllocationStrategy) Name() string { return "CONSISTENT_HASH" }

func (ConsistentHashAllocationStrategy) Allocate(_, selfClientID string, mqList []MessageQueue, clientIDList []string) []MessageQueue {
	if len(mqList) == 0 || len(clientIDList) == 0 {
		return nil
	}
	if indexOf(clientIDList, selfClientID) < 0 {
		return nil
	}

	sortedIDs := make([]string, len(clientIDList))
	copy(sortedIDs, clientIDList)
	sort.Strings(sortedIDs)

	r := rendezvous.New(sortedIDs, hashClientID)

	var out []MessageQueue
	for _, mq := range mqList {
		if r.Get(mq.Key()) == selfClientID {
			out = append(out, mq)
		}
	}
	return out
}

// hashClientID is the scoring hash rendezvous.New uses to rank client IDs
// for a given queue key. Any stable 64-bit hash works here since only
// relative ranking matters, not cross-process comparability with a
// foreign system (contrast hash.go's javaStringHashCode, which must match
// a specific VM's algorithm).
func hashClientID(s string) uint64 {
	var h uint64 = 14695981039346656037 // FNV-1a offset basis
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211 // FNV-1a prime
	}
	return h
}
