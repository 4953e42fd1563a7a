package synclock

import "os"

// FirestoreConfig contains Firestore-specific configuration, mirroring the
// teacher's GCSConfig shape for the other Google Cloud-backed store.
type FirestoreConfig struct {
	ProjectID       string
	Collection      string
	CredentialsFile string // path to service account JSON (optional, uses ADC if empty)
}

// FirestoreOptions returns a FirestoreConfig populated from standard
// environment variables, the Firestore-backend analogue of RedisOptions.
//
// Environment variables read (with defaults):
//   - FIRESTORE_PROJECT_ID (default: "")
//   - FIRESTORE_COLLECTION (default: "synclock_locks")
//   - GOOGLE_APPLICATION_CREDENTIALS (default: "", uses ADC if empty)
func FirestoreOptions() FirestoreConfig {
	collection := os.Getenv("FIRESTORE_COLLECTION")
	if collection == "" {
		collection = "synclock_locks"
	}
	return FirestoreConfig{
		ProjectID:       os.Getenv("FIRESTORE_PROJECT_ID"),
		Collection:      collection,
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
	}
}
