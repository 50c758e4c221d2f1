package pdb

// TestImage returns a synthetic kernel PDB for tests outside the package.
var TestImage = testPDBImage
