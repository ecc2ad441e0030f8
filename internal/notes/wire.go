package notes

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	Since   *Timestamp `json:"since"`
	Changes []Note     `json:"changes"`
}

// SyncResponse is the body returned by POST /sync.
type SyncResponse struct {
	ServerTime Timestamp `json:"serverTime"`
	Notes      []Note    `json:"notes"`
}
