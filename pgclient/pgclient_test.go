package pgclient

import (
	"strings"
	"testing"

	"github.com/posthog/batchexport-postgres/logging"
	"github.com/posthog/batchexport-postgres/metrics"
	"github.com/posthog/batchexport-postgres/schema"
)

func testFields() []schema.Field {
	return []schema.Field{
		{Name: "distinct_id", PgType: "TEXT"},
		{Name: "team_id", PgType: "BIGINT"},
		{Name: "properties", PgType: "JSONB"},
	}
}

func TestBuildCreateTableSQL_ExistsOkAndPrimaryKey(t *testing.T) {
	sql := buildCreateTableSQL("public", "events", testFields(), true,
		[]schema.Field{{Name: "team_id", PgType: "BIGINT"}, {Name: "distinct_id", PgType: "TEXT"}})

	if !strings.Contains(sql, `CREATE TABLE IF NOT EXISTS "public"."events"`) {
		t.Fatalf("expected qualified, exists-ok table name, got %q", sql)
	}
	if !strings.Contains(sql, `"distinct_id" TEXT`) || !strings.Contains(sql, `"properties" JSONB`) {
		t.Fatalf("expected quoted column definitions, got %q", sql)
	}
	if !strings.Contains(sql, `PRIMARY KEY ("team_id", "distinct_id")`) {
		t.Fatalf("expected a primary key clause preserving column order, got %q", sql)
	}
}

func TestBuildCreateTableSQL_NoPrimaryKeyOmitsClause(t *testing.T) {
	sql := buildCreateTableSQL("public", "events", testFields(), false, nil)
	if strings.Contains(sql, "PRIMARY KEY") {
		t.Fatalf("expected no primary key clause when none is given, got %q", sql)
	}
	if strings.Contains(sql, "IF NOT EXISTS") {
		t.Fatalf("expected no IF NOT EXISTS when existsOk is false, got %q", sql)
	}
}

func TestBuildDropTableSQL_NotFoundOk(t *testing.T) {
	sql := buildDropTableSQL("public", "stage_events_123", true)
	if sql != `DROP TABLE IF EXISTS "public"."stage_events_123"` {
		t.Fatalf("unexpected DROP TABLE statement: %q", sql)
	}
}

func TestBuildCopySQL_QuotesColumnsInOrder(t *testing.T) {
	sql := buildCopySQL("events", []string{"distinct_id", "team_id"})
	want := `COPY "events" ("distinct_id", "team_id") FROM STDIN WITH (FORMAT CSV, DELIMITER E'\t', HEADER)`
	if sql != want {
		t.Fatalf("unexpected COPY statement:\n got  %q\n want %q", sql, want)
	}
}

func TestBuildMergeSQL_ExcludesMergeKeyFromUpdateAndComparesUpdateKey(t *testing.T) {
	mergeKey := []MergeColumn{{Name: "team_id"}, {Name: "distinct_id"}}
	updateKey := []MergeColumn{{Name: "person_version"}, {Name: "person_distinct_id_version"}}
	fields := []schema.Field{
		{Name: "team_id", PgType: "BIGINT"},
		{Name: "distinct_id", PgType: "TEXT"},
		{Name: "person_version", PgType: "BIGINT"},
		{Name: "person_distinct_id_version", PgType: "BIGINT"},
	}

	sql := buildMergeSQL("public", "persons", "stage_persons_1", fields, mergeKey, updateKey)

	if !strings.Contains(sql, `ON CONFLICT ("team_id", "distinct_id")`) {
		t.Fatalf("expected ON CONFLICT over the merge key, got %q", sql)
	}
	if strings.Contains(sql, `"team_id" = EXCLUDED."team_id"`) {
		t.Fatal("merge key columns must not appear in the update clause")
	}
	if !strings.Contains(sql, `"person_version" = EXCLUDED."person_version"`) {
		t.Fatal("expected non-key columns to be updated from EXCLUDED")
	}
	if !strings.Contains(sql, `EXCLUDED."person_version" > "persons"."person_version"`) {
		t.Fatalf("expected the update condition to compare EXCLUDED against the final table, got %q", sql)
	}
	if !strings.Contains(sql, " OR ") {
		t.Fatal("expected multiple update-key conditions to be OR'd together")
	}
	if !strings.Contains(sql, `FROM "public"."stage_persons_1"`) {
		t.Fatalf("expected SELECT FROM the staging table, got %q", sql)
	}
}

func TestClient_RequireConnected_RejectsBeforeConnect(t *testing.T) {
	c := New(ConnectConfig{Host: "db", Port: 5432}, logging.NewComponentLogger("pgclient-test", "test"), metrics.NewCollector(logging.NewComponentLogger("pgclient-test", "test")))
	if err := c.requireConnected(); err == nil {
		t.Fatal("expected requireConnected to fail before Connect is called")
	}
}

func TestClient_Dsn_TestModeUsesPreferSSL(t *testing.T) {
	c := New(ConnectConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", TestMode: true},
		logging.NewComponentLogger("pgclient-test", "test"), metrics.NewCollector(logging.NewComponentLogger("pgclient-test", "test")))
	dsn := c.dsn()
	if !strings.Contains(dsn, "sslmode=prefer") {
		t.Fatalf("expected test mode to relax sslmode to prefer, got %q", dsn)
	}
}

func TestClient_Dsn_DefaultRequiresSSL(t *testing.T) {
	c := New(ConnectConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d"},
		logging.NewComponentLogger("pgclient-test", "test"), metrics.NewCollector(logging.NewComponentLogger("pgclient-test", "test")))
	dsn := c.dsn()
	if !strings.Contains(dsn, "sslmode=require") {
		t.Fatalf("expected the default connection to require SSL, got %q", dsn)
	}
}
