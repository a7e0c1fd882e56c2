package rmq

import (
	"context"
	"time"
)

// fakeMQClient is a minimal, fully-stubbed MQClient for unit tests: every
// method delegates to an optional func field, defaulting to a harmless
// zero-value response when unset, so a test only has to wire the calls it
// actually cares about.
type fakeMQClient struct {
	registerConsumerFn                   func(group string, c *Consumer) error
	unregisterConsumerFn                 func(group string)
	readyFn                              func(ctx context.Context) error
	closeFn                              func() error
	updateAllTopicRouterInfoFn           func()
	updateTopicRouteInfoFromNameServerFn func(ctx context.Context, topic string) error
	sendHeartbeatToAllBrokerFn           func(ctx context.Context) error
	doRebalanceFn                        func()
	findConsumerIDListFn                 func(ctx context.Context, topic, group string) ([]string, error)
	queuesForTopicFn                     func(topic string) ([]MessageQueue, error)
	findBrokerAddrFn                     func(brokerName string, brokerID int32, onlyThisBroker bool) (string, bool)
	pullMessageFn                        func(ctx context.Context, brokerAddr string, header PullRequestHeader, timeout time.Duration) (*PullResult, error)
	maxOffsetFn                          func(ctx context.Context, mq MessageQueue) (int64, error)
	searchOffsetFn                       func(ctx context.Context, mq MessageQueue, timestampMillis int64) (int64, error)
	fetchConsumerOffsetFn                func(ctx context.Context, group string, mq MessageQueue) (int64, error)
	updateConsumerOffsetFn               func(ctx context.Context, group string, mq MessageQueue, offset int64) error
	clientID                             string
}

func (f *fakeMQClient) RegisterConsumer(group string, c *Consumer) error {
	if f.registerConsumerFn != nil {
		return f.registerConsumerFn(group, c)
	}
	return nil
}

func (f *fakeMQClient) UnregisterConsumer(group string) {
	if f.unregisterConsumerFn != nil {
		f.unregisterConsumerFn(group)
	}
}

func (f *fakeMQClient) Ready(ctx context.Context) error {
	if f.readyFn != nil {
		return f.readyFn(ctx)
	}
	return nil
}

func (f *fakeMQClient) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

func (f *fakeMQClient) UpdateAllTopicRouterInfo() {
	if f.updateAllTopicRouterInfoFn != nil {
		f.updateAllTopicRouterInfoFn()
	}
}

func (f *fakeMQClient) UpdateTopicRouteInfoFromNameServer(ctx context.Context, topic string) error {
	if f.updateTopicRouteInfoFromNameServerFn != nil {
		return f.updateTopicRouteInfoFromNameServerFn(ctx, topic)
	}
	return nil
}

func (f *fakeMQClient) SendHeartbeatToAllBroker(ctx context.Context) error {
	if f.sendHeartbeatToAllBrokerFn != nil {
		return f.sendHeartbeatToAllBrokerFn(ctx)
	}
	return nil
}

func (f *fakeMQClient) DoRebalance() {
	if f.doRebalanceFn != nil {
		f.doRebalanceFn()
	}
}

func (f *fakeMQClient) FindConsumerIDList(ctx context.Context, topic, group string) ([]string, error) {
	if f.findConsumerIDListFn != nil {
		return f.findConsumerIDListFn(ctx, topic, group)
	}
	return nil, nil
}

func (f *fakeMQClient) QueuesForTopic(topic string) ([]MessageQueue, error) {
	if f.queuesForTopicFn != nil {
		return f.queuesForTopicFn(topic)
	}
	return nil, nil
}

func (f *fakeMQClient) FindBrokerAddr(brokerName string, brokerID int32, onlyThisBroker bool) (string, bool) {
	if f.findBrokerAddrFn != nil {
		return f.findBrokerAddrFn(brokerName, brokerID, onlyThisBroker)
	}
	return "", false
}

func (f *fakeMQClient) PullMessage(ctx context.Context, brokerAddr string, header PullRequestHeader, timeout time.Duration) (*PullResult, error) {
	if f.pullMessageFn != nil {
		return f.pullMessageFn(ctx, brokerAddr, header, timeout)
	}
	return &PullResult{Status: PullNoNewMsg, NextBeginOffset: header.QueueOffset}, nil
}

func (f *fakeMQClient) MaxOffset(ctx context.Context, mq MessageQueue) (int64, error) {
	if f.maxOffsetFn != nil {
		return f.maxOffsetFn(ctx, mq)
	}
	return 0, nil
}

func (f *fakeMQClient) SearchOffset(ctx context.Context, mq MessageQueue, timestampMillis int64) (int64, error) {
	if f.searchOffsetFn != nil {
		return f.searchOffsetFn(ctx, mq, timestampMillis)
	}
	return 0, nil
}

func (f *fakeMQClient) FetchConsumerOffset(ctx context.Context, group string, mq MessageQueue) (int64, error) {
	if f.fetchConsumerOffsetFn != nil {
		return f.fetchConsumerOffsetFn(ctx, group, mq)
	}
	return OffsetNotFound, nil
}

func (f *fakeMQClient) UpdateConsumerOffset(ctx context.Context, group string, mq MessageQueue, offset int64) error {
	if f.updateConsumerOffsetFn != nil {
		return f.updateConsumerOffsetFn(ctx, group, mq, offset)
	}
	return nil
}

func (f *fakeMQClient) ClientID() string { return f.clientID }
