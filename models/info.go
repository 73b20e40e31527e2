package models

// BridgeInfo is the bridge's self description returned by GetInfo.
type BridgeInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Host        string `json:"host"`
}
