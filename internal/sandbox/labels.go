package sandbox

// Container label keys. Labels are the runtime's copy of a sandbox Record and
// are decoded back into a Record whenever a container is inspected or listed.
const (
	LabelManaged      = "sandboxd.managed"
	LabelSessionID    = "sandboxd.session-id"
	LabelProjectID    = "sandboxd.project-id"
	LabelMode         = "sandboxd.mode"
	LabelServicesMode = "sandboxd.services-mode"
	LabelBranch       = "sandboxd.branch"
	LabelURL          = "sandboxd.url"
)

// Record is the typed metadata attached to every managed container.
type Record struct {
	SessionID    string
	ProjectID    string
	Mode         Mode
	ServicesMode ServicesMode
	Branch       string
	URL          string
}

// Labels encodes the record as container labels.
func (r Record) Labels() map[string]string {
	labels := map[string]string{
		LabelManaged:      "true",
		LabelSessionID:    r.SessionID,
		LabelProjectID:    r.ProjectID,
		LabelMode:         string(r.Mode),
		LabelServicesMode: string(r.ServicesMode),
	}
	if r.Branch != "" {
		labels[LabelBranch] = r.Branch
	}
	if r.URL != "" {
		labels[LabelURL] = r.URL
	}
	return labels
}

// RecordFromLabels decodes container labels. ok is false for containers this
// service did not create.
func RecordFromLabels(labels map[string]string) (rec Record, ok bool) {
	if labels[LabelManaged] != "true" || labels[LabelSessionID] == "" {
		return Record{}, false
	}
	return Record{
		SessionID:    labels[LabelSessionID],
		ProjectID:    labels[LabelProjectID],
		Mode:         Mode(labels[LabelMode]),
		ServicesMode: ServicesMode(labels[LabelServicesMode]),
		Branch:       labels[LabelBranch],
		URL:          labels[LabelURL],
	}, true
}

// projectFilter selects managed containers of one project.
func projectFilter(projectID string) map[string]string {
	return map[string]string{LabelManaged: "true", LabelProjectID: projectID}
}

// commandFilter selects managed one-shot command containers.
func commandFilter() map[string]string {
	return map[string]string{LabelManaged: "true", LabelServicesMode: string(ServicesCommand)}
}
