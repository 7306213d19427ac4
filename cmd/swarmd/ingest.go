package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"swarm/pkg/arbiter"
	"swarm/pkg/broker"
	"swarm/pkg/protocol"
	"swarm/pkg/router"
	"swarm/pkg/scheduler"
)

// defaultConsumerGroup is used when the config declares none.
const defaultConsumerGroup = "swarmd"

// runIngest consumes the broker topics and feeds the core components:
// agent metrics into the scheduler, decisions into the arbiter and
// routable messages into the router. Blocks until ctx is cancelled.
func runIngest(ctx context.Context, bus broker.Broker, group string, sched *scheduler.Scheduler, arb *arbiter.Arbiter, rt *router.Router, logger *slog.Logger) {
	if group == "" {
		group = defaultConsumerGroup
	}

	var wg sync.WaitGroup
	consume := func(topic string, handle func(context.Context, []byte) error) {
		msgs, err := bus.Subscribe(ctx, topic, group)
		if err != nil {
			logger.Error("subscribe failed", "topic", topic, "err", err)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case m, ok := <-msgs:
					if !ok {
						return
					}
					if err := handle(ctx, m.Value); err != nil {
						logger.Warn("ingest", "topic", topic, "err", err)
					}
				}
			}
		}()
	}

	consume(protocol.TopicAgents, func(ctx context.Context, raw []byte) error {
		var m protocol.AgentMetrics
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode agent metrics: %w", err)
		}
		return sched.RegisterAgent(ctx, m)
	})

	consume(protocol.TopicDecisions, func(ctx context.Context, raw []byte) error {
		var d protocol.DecisionRequest
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("decode decision: %w", err)
		}
		res, err := arb.SubmitDecision(ctx, d)
		if err != nil {
			return err
		}
		if res != nil {
			logger.Info("decision resolved",
				"strategy", res.Strategy,
				"outcome", res.Outcome,
				"decisions", len(res.DecisionIDs),
				"confidence", res.Confidence)
		}
		return nil
	})

	consume(protocol.TopicMessages, func(ctx context.Context, raw []byte) error {
		var m protocol.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		return rt.Route(ctx, m)
	})

	wg.Wait()
}
