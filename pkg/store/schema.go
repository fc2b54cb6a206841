package store

import "github.com/cuemby/chrono/pkg/chronoerr"

// schema is the set of DDL statements applied in order. Written in a
// dialect-neutral subset of SQL both lib/pq and mattn/go-sqlite3 accept;
// there is no external migration framework, the statements are simply
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sched_group (
		group_name      VARCHAR(64) PRIMARY KEY,
		supervisor_token VARCHAR(128) NOT NULL,
		worker_token     VARCHAR(128) NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sched_job (
		job_id             BIGINT PRIMARY KEY,
		group_name         VARCHAR(64) NOT NULL,
		job_type           INT NOT NULL,
		job_state          INT NOT NULL,
		trigger_type       INT NOT NULL,
		trigger_value      VARCHAR(255) NOT NULL,
		route_strategy     INT NOT NULL,
		retry_type         INT NOT NULL,
		retry_count        INT NOT NULL DEFAULT 0,
		retry_interval     INT NOT NULL DEFAULT 0,
		collision_strategy INT NOT NULL,
		executor_text      TEXT NOT NULL,
		job_param          TEXT,
		next_trigger_time  BIGINT,
		last_trigger_time  BIGINT,
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sched_job_next_trigger ON sched_job (job_state, next_trigger_time)`,
	`CREATE TABLE IF NOT EXISTS sched_instance (
		instance_id    BIGINT PRIMARY KEY,
		job_id         BIGINT NOT NULL,
		rnstance_id    BIGINT NOT NULL,
		pnstance_id    BIGINT NOT NULL DEFAULT 0,
		wnstance_id    BIGINT NOT NULL DEFAULT 0,
		run_type       INT NOT NULL,
		trigger_time   BIGINT NOT NULL,
		run_state      INT NOT NULL,
		run_start_time BIGINT,
		run_end_time   BIGINT,
		retried_count  INT NOT NULL DEFAULT 0,
		version        BIGINT NOT NULL DEFAULT 0,
		attach         TEXT,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sched_instance_run_state ON sched_instance (run_state)`,
	`CREATE INDEX IF NOT EXISTS idx_sched_instance_job ON sched_instance (job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sched_instance_rnstance ON sched_instance (rnstance_id)`,
	`CREATE TABLE IF NOT EXISTS sched_task (
		task_id               BIGINT PRIMARY KEY,
		instance_id           BIGINT NOT NULL,
		task_no               INT NOT NULL,
		task_count            INT NOT NULL,
		task_param            TEXT,
		execute_state         INT NOT NULL,
		worker                VARCHAR(512),
		execute_start_time    BIGINT,
		execute_end_time      BIGINT,
		execute_snapshot      TEXT,
		dispatch_failed_count INT NOT NULL DEFAULT 0,
		error_msg             TEXT,
		created_at            TIMESTAMP NOT NULL,
		updated_at            TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sched_task_instance ON sched_task (instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sched_task_execute_state ON sched_task (execute_state)`,
	`CREATE TABLE IF NOT EXISTS sched_workflow (
		wnstance_id  BIGINT NOT NULL,
		source_node  VARCHAR(128) NOT NULL,
		target_node  VARCHAR(128) NOT NULL,
		sequence     INT NOT NULL,
		run_state    INT NOT NULL,
		instance_id  BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (wnstance_id, source_node, target_node)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sched_workflow_wnstance ON sched_workflow (wnstance_id)`,
	`CREATE TABLE IF NOT EXISTS sched_depend (
		parent_job_id BIGINT NOT NULL,
		child_job_id  BIGINT NOT NULL,
		sequence      INT NOT NULL,
		PRIMARY KEY (parent_job_id, child_job_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sched_depend_parent ON sched_depend (parent_job_id)`,
}

// Migrate applies every schema statement in order, stopping at the first
// failure.
func Migrate(s *Store) error {
	for _, stmt := range schema {
		if _, err := s.DB.Exec(stmt); err != nil {
			return chronoerr.New(chronoerr.KindFatal, "store.Migrate", err)
		}
	}
	return nil
}
