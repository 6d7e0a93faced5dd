package lead

import (
	"strconv"
	"strings"
)

// CompanyData is the firmographic record an enrichment provider returns for
// an email domain. Field values are compared as strings during grounding,
// so the struct exposes a name-indexed view of itself.
type CompanyData struct {
	Name      string   `json:"name,omitempty"`
	Domain    string   `json:"domain,omitempty"`
	Employees int      `json:"employees,omitempty"`
	Industry  string   `json:"industry,omitempty"`
	TechStack []string `json:"techStack,omitempty"`
	Geo       string   `json:"geo,omitempty"`
}

// Field returns the string form of the named firmographic field. Lookup is
// case-insensitive on the JSON field name. The second return is false when
// the name is unknown or the field is empty.
func (c *CompanyData) Field(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	var s string
	switch strings.ToLower(name) {
	case "name", "companyname":
		s = c.Name
	case "domain":
		s = c.Domain
	case "employees", "employeecount":
		if c.Employees > 0 {
			s = strconv.Itoa(c.Employees)
		}
	case "industry":
		s = c.Industry
	case "techstack":
		s = strings.Join(c.TechStack, ", ")
	case "geo", "location":
		s = c.Geo
	default:
		return "", false
	}
	if s == "" {
		return "", false
	}
	return s, true
}

// Empty reports whether the record carries no usable fields.
func (c *CompanyData) Empty() bool {
	if c == nil {
		return true
	}
	return c.Name == "" && c.Domain == "" && c.Employees == 0 &&
		c.Industry == "" && len(c.TechStack) == 0 && c.Geo == ""
}
