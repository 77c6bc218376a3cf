// Package schema loads the database documentation the SQL generator is
// grounded on: table descriptions, a business glossary with synonym mappings,
// and example question/SQL pairs. All of it comes from YAML files maintained
// by analysts, not from the database itself.
package schema

import "sort"

// Docs is the full schema documentation set.
type Docs struct {
	Tables   map[string]Table
	Glossary Glossary
	Examples []Example
}

type Table struct {
	Name        string   `yaml:"table"`
	Description string   `yaml:"description"`
	Columns     []Column `yaml:"columns"`
}

type Column struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Description string   `yaml:"description"`
	Role        string   `yaml:"role"`
	Synonyms    []string `yaml:"synonyms_ru"`
}

type Glossary struct {
	BusinessTerms       []Term       `yaml:"business_terms"`
	ProgramNameMappings []Mapping    `yaml:"program_name_mappings"`
	ClubNameMappings    ClubMappings `yaml:"club_name_mappings"`
}

type Term struct {
	Canonical  string   `yaml:"canonical"`
	Definition string   `yaml:"definition"`
	Synonyms   []string `yaml:"synonyms_ru"`
	SQLLogic   string   `yaml:"sql_logic"`
}

type Mapping struct {
	Canonical string   `yaml:"canonical"`
	Synonyms  []string `yaml:"synonyms"`
}

type ClubMappings struct {
	Mappings []Mapping `yaml:"mappings"`
}

type Example struct {
	Question string     `yaml:"question_ru"`
	SQL      ExampleSQL `yaml:"sql"`
}

type ExampleSQL struct {
	Statement string `yaml:"statement"`
}

// TableNames lists documented table names in sorted order.
func (d *Docs) TableNames() []string {
	names := make([]string, 0, len(d.Tables))
	for name := range d.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
