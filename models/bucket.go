package models

// Bucket represents a storage bucket. Name holds the decrypted name when
// Decrypted is true and the bridge's stored (encrypted) name otherwise.
type Bucket struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Created      string `json:"created"`
	LimitStorage int64  `json:"limitStorage"`
	UsedStorage  int64  `json:"usedStorage"`
	TimeStart    int64  `json:"timeStart"`
	TimeEnd      int64  `json:"timeEnd"`
	Decrypted    bool   `json:"-"`
}
