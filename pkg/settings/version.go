package settings

// overridable with -ldflags "-X github.com/liut/nemain/pkg/settings.version=..."
var version = "dev"
