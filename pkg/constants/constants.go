package constants

// ManifestFileName is the name of the manifest, both on the publisher and inside the staging area.
const ManifestFileName = "manifest.json"

// VersionFileName is the file holding the committed version, relative to the device root.
const VersionFileName = "version.txt"

// MarkerFileName is the pending update marker, relative to the device root.
const MarkerFileName = "ota_pending.flag"

// StagingDirName is the staging area, relative to the device root.
const StagingDirName = "update"

// BackupDirName is the backup area, relative to the device root.
const BackupDirName = "backup"

// BackupJournalName is the journal describing the backup area, stored inside of it.
const BackupJournalName = "backup.json"

// DefaultLocalVersion is reported when no version file exists.
const DefaultLocalVersion = "0.0.0"

// DefaultNormalizeExtensions returns the extensions of text files whose line endings are normalized.
// Uses a function to ensure immutability of the defaults.
func DefaultNormalizeExtensions() []string {
	return []string{
		".py",
		".txt",
		".json",
		".md",
	}
}

// DefaultConnectivityURL returns 204 without a body when the internet is reachable.
const DefaultConnectivityURL = "http://clients3.google.com/generate_204"
