package model

// Subscriber is a named destination bound to one transport URI.
type Subscriber struct {
	ID         string     `yaml:"id" json:"id"`
	Name       string     `yaml:"name" json:"name,omitempty"`
	URI        string     `yaml:"uri" json:"uri"`
	Enabled    bool       `yaml:"enabled" json:"enabled"`
	Properties Properties `yaml:"properties" json:"properties,omitempty"`
}

// Clone returns a deep copy.
func (s Subscriber) Clone() Subscriber {
	s.Properties = s.Properties.Clone()
	return s
}

// Subscriptor routes messages to a Subscriber under its own sub-path and properties.
type Subscriptor struct {
	ID           string     `yaml:"id" json:"id"`
	SubscriberID string     `yaml:"subscriber_id" json:"subscriberId"`
	Name         string     `yaml:"name" json:"name,omitempty"`
	Path         string     `yaml:"path" json:"path,omitempty"`
	Enabled      bool       `yaml:"enabled" json:"enabled"`
	Properties   Properties `yaml:"properties" json:"properties,omitempty"`
}

// Clone returns a deep copy.
func (s Subscriptor) Clone() Subscriptor {
	s.Properties = s.Properties.Clone()
	return s
}
