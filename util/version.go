package util

// version is overridden at link time with -ldflags "-X".
var version = "v0.2.0"

func VersionGet() string {
	return version
}
