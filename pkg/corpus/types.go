package corpus

// Corpus is the master résumé: who the candidate is plus every project or
// experience entry that may be selected for a tailored résumé.
type Corpus struct {
	Profile  Profile   `json:"profile" yaml:"profile"`
	Projects []Project `json:"projects" yaml:"projects"`
}

// Profile represents personal information.
type Profile struct {
	Name     string            `json:"name" yaml:"name"`
	Title    string            `json:"title" yaml:"title"`
	Location string            `json:"location" yaml:"location"`
	Email    string            `json:"email,omitempty" yaml:"email,omitempty"`
	Profiles map[string]string `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// Project represents a single project or role entry.
type Project struct {
	ID           string   `json:"id" yaml:"id"`
	Title        string   `json:"title" yaml:"title"`
	Company      string   `json:"company,omitempty" yaml:"company,omitempty"`
	Dates        string   `json:"dates,omitempty" yaml:"dates,omitempty"`
	Description  string   `json:"description" yaml:"description"`
	Bullets      []string `json:"bullets,omitempty" yaml:"bullets,omitempty"`
	Technologies []string `json:"technologies,omitempty" yaml:"technologies,omitempty"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}
