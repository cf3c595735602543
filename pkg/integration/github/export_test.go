package github

// Slugify exposes slug derivation for tests.
var Slugify = slugify
