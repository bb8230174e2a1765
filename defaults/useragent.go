package defaults

import "github.com/imagekeeper/imagekeeper/pkg/version"

// UserAgent identifies imagekeeper in HTTP requests.
// Azure SDK ApplicationID has a 24 character limit, so keep this short.
var UserAgent = "imagekeeper/" + version.Version
