package activity

import (
	"strconv"
	"time"
)

// maxIdentifierBytes is PostgreSQL's hard limit on unquoted identifier
// length; generated staging table names must fit within it.
const maxIdentifierBytes = 63

// StagingTableName derives the staging table name for one attempt:
// stage_<table>_<YYYY-MM-DD_HH-MM-SS>_<team_id>, truncated to
// maxIdentifierBytes. Truncation happens on the whole assembled name
// rather than reserving space for each part, so a pathologically long
// table name still yields a valid (if less informative) identifier.
func StagingTableName(tableName string, at time.Time, teamID int64) string {
	name := "stage_" + tableName + "_" + at.UTC().Format("2006-01-02_15-04-05") + "_" + strconv.FormatInt(teamID, 10)
	if len(name) > maxIdentifierBytes {
		name = name[:maxIdentifierBytes]
	}
	return name
}
