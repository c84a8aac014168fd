package storage

// Package storage persists patients, questionnaire entries and the
// clinician directory.
//
// It currently supports:
//   - Patient records keyed by opaque patient code
//   - One table per questionnaire kind, upserted on (patient, entry date)
//   - Timeline reads for the scheduling engine
//   - Clinician directory (hospitals, access codes, doctor profiles)
//   - Audit log appends (mutating API actions)
