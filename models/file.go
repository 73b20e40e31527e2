package models

// File represents a file stored in a bucket.
type File struct {
	ID        string `json:"id"`
	BucketID  string `json:"bucket"`
	Filename  string `json:"filename"`
	Mimetype  string `json:"mimetype"`
	Size      int64  `json:"size"`
	Index     string `json:"index"`
	Created   string `json:"created"`
	// RSAKey and RSACtr hold hex wrapped key material when the uploader supplied it.
	RSAKey    string `json:"rsaKey,omitempty"`
	RSACtr    string `json:"rsaCtr,omitempty"`
	Decrypted bool   `json:"-"`
}
