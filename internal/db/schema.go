package db

import (
	"fmt"
	"strings"
)

// Entity type tags. Each one is stored in a table of the same name.
const (
	TypeIssueTypes  = "issue_types"
	TypePriorities  = "priorities"
	TypeStatuses    = "statuses"
	TypeResolutions = "resolutions"
	TypeUsers       = "users"
	TypeGroups      = "groups"
	TypeFields      = "fields"
	TypeProjects    = "projects"
	TypeComponents  = "components"
	TypeVersions    = "versions"
	TypeIssues      = "issues"
	TypeComments    = "comments"
	TypeWorklogs    = "worklogs"
	TypeAttachments = "attachments"
	TypeIssueLinks  = "issue_links"
)

// Column is a normalized scalar column of an entity table
type Column struct {
	Name string
	Type string
}

// EntityTable describes the table backing one entity type
type EntityTable struct {
	Type    string
	Columns []Column
}

func text(name string) Column    { return Column{Name: name, Type: "TEXT"} }
func integer(name string) Column { return Column{Name: name, Type: "INTEGER"} }
func boolean(name string) Column { return Column{Name: name, Type: "BOOLEAN"} }

// entityTables is the catalog of mirrored collections, in creation order
var entityTables = []EntityTable{
	{Type: TypeIssueTypes, Columns: []Column{text("name"), text("description"), boolean("subtask"), integer("hierarchy_level")}},
	{Type: TypePriorities, Columns: []Column{text("name"), text("description"), text("status_color")}},
	{Type: TypeStatuses, Columns: []Column{text("name"), text("category_key"), text("category_name")}},
	{Type: TypeResolutions, Columns: []Column{text("name"), text("description")}},
	{Type: TypeUsers, Columns: []Column{text("account_type"), text("display_name"), text("email_address"), boolean("active")}},
	{Type: TypeGroups, Columns: []Column{text("name")}},
	{Type: TypeFields, Columns: []Column{text("name"), boolean("custom"), text("schema_type")}},
	{Type: TypeProjects, Columns: []Column{text("project_id"), text("name"), text("project_type_key"), text("lead_account_id")}},
	{Type: TypeComponents, Columns: []Column{text("project_key"), text("name"), text("description"), text("lead_account_id")}},
	{Type: TypeVersions, Columns: []Column{text("project_key"), text("name"), boolean("released"), boolean("archived"), text("release_date")}},
	{Type: TypeIssues, Columns: []Column{
		text("issue_id"), text("project_key"), text("summary"), text("status_name"), text("priority_name"),
		text("issue_type_name"), text("resolution_name"), text("assignee_account_id"), text("reporter_account_id"),
		text("parent_key"), text("created"), text("updated"),
	}},
	{Type: TypeComments, Columns: []Column{text("issue_key"), text("author_account_id"), text("created"), text("updated")}},
	{Type: TypeWorklogs, Columns: []Column{text("issue_key"), text("author_account_id"), integer("time_spent_seconds"), text("started")}},
	{Type: TypeAttachments, Columns: []Column{
		text("issue_key"), text("filename"), text("mime_type"), integer("size"), text("author_account_id"),
		text("created"), text("content_url"),
	}},
	{Type: TypeIssueLinks, Columns: []Column{text("issue_key"), text("link_type"), text("inward_key"), text("outward_key")}},
}

// EntityTypes returns every known entity type tag
func EntityTypes() []string {
	types := make([]string, 0, len(entityTables))
	for _, t := range entityTables {
		types = append(types, t.Type)
	}
	return types
}

// LookupTable returns the table definition for an entity type
func LookupTable(entityType string) (EntityTable, bool) {
	for _, t := range entityTables {
		if t.Type == entityType {
			return t, true
		}
	}
	return EntityTable{}, false
}

// ColumnNames returns the normalized column names in declaration order
func (t EntityTable) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

func (t EntityTable) hasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (t EntityTable) createStatement() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Type)
	b.WriteString("\t\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	b.WriteString("\t\taccount_id TEXT NOT NULL,\n")
	b.WriteString("\t\tnatural_key TEXT NOT NULL,\n")
	for _, c := range t.Columns {
		fmt.Fprintf(&b, "\t\t%s %s,\n", c.Name, c.Type)
	}
	b.WriteString("\t\traw_payload TEXT NOT NULL,\n")
	b.WriteString("\t\tupdated_at TIMESTAMP NOT NULL,\n")
	b.WriteString("\t\tUNIQUE(account_id, natural_key)\n")
	b.WriteString("\t);\n")
	return b.String()
}

func (t EntityTable) upsertStatement() string {
	cols := append([]string{"account_id", "natural_key"}, t.ColumnNames()...)
	cols = append(cols, "raw_payload", "updated_at")

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	updates := make([]string, 0, len(cols)-2)
	for _, c := range cols[2:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	return fmt.Sprintf(`
	INSERT INTO %s (%s)
	VALUES (%s)
	ON CONFLICT(account_id, natural_key) DO UPDATE SET
		%s
	`, t.Type, strings.Join(cols, ", "), placeholders, strings.Join(updates, ",\n\t\t"))
}
