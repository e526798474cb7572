// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package fairrun provides a multi-tenant fair run queue backed by Redis.

Fairrun schedules background runs across many tenants so that no tenant can
starve the others: every queue gets a turn proportional to how long its oldest
run has been waiting, and per-queue and per-environment concurrency limits cap
how much work a tenant holds at once.

# Concepts

A run belongs to a queue, and a queue belongs to a tenant (an organization and
environment pair). Queues are created implicitly on first enqueue. Each run is
leased to a worker with a visibility timeout; a run whose lease expires is
redelivered with an incremented attempt counter, giving at-least-once
delivery.

Queues are distributed over a fixed number of master-queue shards by
consistent hashing, and each shard carries a tenant dispatch index ordered by
oldest waiting run. Dequeue scans tenants fairly within a shard, so adding
servers scales dispatch without re-sharding existing queues.

# Enqueuing Runs

	client := fairrun.NewClient(fairrun.RedisClientOpt{Addr: "localhost:6379"}, 4)
	defer client.Close()

	info, err := client.Enqueue(ctx, &fairrun.Run{
		OrgID:          "acme",
		ProjectID:      "proj_1",
		EnvID:          "prod",
		Queue:          "emails",
		TaskIdentifier: "send-welcome-email",
		Payload:        payload,
	}, fairrun.ProcessIn(5*time.Minute))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Enqueued run %s on shard %d", info.ID, info.Shard)

# Running the Scheduler

The Server serves the worker protocol over HTTP and keeps the concurrency
ledger reconciled:

	srv := fairrun.NewServer(
		fairrun.RedisClientOpt{Addr: "localhost:6379"},
		fairrun.Config{
			ShardCount: 4,
			ListenAddr: ":8080",
		},
	)
	if err := srv.Run(); err != nil {
		log.Fatal(err)
	}

# Workers

Workers connect with a WorkerSupervisorSession, which heartbeats, long-polls
for runs and executes them through a Runner:

	session, err := fairrun.NewWorkerSupervisorSession(fairrun.SessionConfig{
		Endpoint: "http://localhost:8080",
		Runner: fairrun.RunnerFunc(func(ctx context.Context, msg fairrun.DequeuedMessage, exec fairrun.ExecutionPayload, envVars map[string]string) (fairrun.AttemptCompletion, error) {
			// execute the run
			return fairrun.AttemptCompletion{OK: true}, nil
		}),
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := session.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer session.Shutdown()

After finishing a run, a session prefers warm starts: it polls its last
tenant's environment first so a worker that just ran code for an environment
picks up that environment's next run without paying the cold-start cost.

# Concurrency Limits

Limits are set per queue or per environment and may be changed at any time:

	client.SetQueueConcurrencyLimit(ctx, q, 10)
	client.SetEnvConcurrencyLimit(ctx, "acme", "prod", 50)

A queue without its own limit inherits the environment limit. Workers that
crash without releasing their slots are reclaimed by the server's sweeper,
driven by a CompletedRunOracle supplied in Config.
*/
package fairrun
