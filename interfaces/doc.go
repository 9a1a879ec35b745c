// Package interfaces defines the shared contract of the guest build
// pipeline: the measured VM definition, the boot chain, the verity artifact
// triple, the ordered measurement-input record, and the error taxonomy every
// stage reports through.
//
// # Data Flow
//
// Data flows strictly forward between stages:
//
//	BuildConfig -> guest content -> VerityArtifact -> MeasurementInputs
//
// VerityArtifact and MeasurementInputs are write-once: once a stage has
// published them they are treated as immutable facts that later stages may
// only read.
//
// # Error Taxonomy
//
//   - ConfigError: bad or missing input, never retried.
//   - ToolFailure: an external subprocess exited non-zero, surfaced with the
//     exact command and exit code.
//   - IntegrityFailure: verity formatting or hashing failed, always fatal.
//   - IncompleteArtifact: an expected file is missing; fatal for measurement
//     and launch, a warning for packaging.
//
// There is no automatic retry anywhere in the pipeline; rerunning a stage is
// a caller responsibility.
package interfaces
