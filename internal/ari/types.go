package ari

// CallerID identifies the party on one side of a channel.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Dialplan describes where a channel currently sits in the dialplan.
type Dialplan struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	AppName  string `json:"app_name"`
	AppData  string `json:"app_data"`
	Priority int64  `json:"priority"`
}

// Channel is the ARI representation of an Asterisk channel.
type Channel struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	State        string   `json:"state"`
	Caller       CallerID `json:"caller"`
	Connected    CallerID `json:"connected"`
	Dialplan     Dialplan `json:"dialplan"`
	CreationTime string   `json:"creationtime"`
}

// Bridge is the ARI representation of a mixing bridge.
type Bridge struct {
	ID       string   `json:"id"`
	Type     string   `json:"bridge_type"`
	Channels []string `json:"channels"`
}

// Playback is the ARI representation of a media playback operation.
type Playback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// AsteriskInfo is the subset of GET /asterisk/info used for health
// checks.
type AsteriskInfo struct {
	System struct {
		Version  string `json:"version"`
		EntityID string `json:"entity_id"`
	} `json:"system"`
	Status struct {
		StartupTime string `json:"startup_time"`
	} `json:"status"`
}
