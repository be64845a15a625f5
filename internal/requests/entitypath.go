package requests

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EntityPath addresses an entity in the host's navigation scheme:
//
//	/projects/<project>/<type>s/<id>[/<subtype>s/<subid>]
type EntityPath struct {
	ProjectID int64

	PrimaryType string
	PrimaryID   int64

	SecondaryType string
	SecondaryID   int64
}

var entityPathRe = regexp.MustCompile(`^/projects/(\d+)/([A-Za-z0-9_]+)s/(\d+)(?:/([A-Za-z0-9_]+)s/(\d+))?/?$`)

// TaskPath builds the path of a task, nested under its parent entity when it
// has one.
func TaskPath(link TaskLink, taskID int64) EntityPath {
	if link.EntityType == "" || link.EntityID == 0 {
		return EntityPath{ProjectID: link.ProjectID, PrimaryType: "Task", PrimaryID: taskID}
	}
	return EntityPath{
		ProjectID:     link.ProjectID,
		PrimaryType:   link.EntityType,
		PrimaryID:     link.EntityID,
		SecondaryType: "Task",
		SecondaryID:   taskID,
	}
}

func (p EntityPath) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "/projects/%d/%ss/%d", p.ProjectID, strings.ToLower(p.PrimaryType), p.PrimaryID)
	if p.SecondaryType != "" {
		fmt.Fprintf(&b, "/%ss/%d", strings.ToLower(p.SecondaryType), p.SecondaryID)
	}
	return b.String()
}

// ParseEntityPath is the inverse of String. Entity types come back lower case.
func ParseEntityPath(s string) (EntityPath, error) {
	m := entityPathRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return EntityPath{}, fmt.Errorf("invalid entity path %q", s)
	}
	var p EntityPath
	p.ProjectID, _ = strconv.ParseInt(m[1], 10, 64)
	p.PrimaryType = m[2]
	p.PrimaryID, _ = strconv.ParseInt(m[3], 10, 64)
	if m[4] != "" {
		p.SecondaryType = m[4]
		p.SecondaryID, _ = strconv.ParseInt(m[5], 10, 64)
	}
	return p, nil
}
