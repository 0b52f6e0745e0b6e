// Package engine dispatches calculation submissions. It stages the upload,
// loads the job definition and hands the job to a bounded worker pool whose
// tasks drive the job through executing to complete or failed, recording the
// calculation log and the produced outputs in the store.
package engine
