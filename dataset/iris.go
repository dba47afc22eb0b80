package dataset

import (
	"bytes"
	_ "embed"
)

// IrisName is the source name of the bundled Iris dataset.
const IrisName = "iris"

//go:embed iris.csv
var irisCSV []byte

var irisClassNames = []string{"setosa", "versicolor", "virginica"}

// Iris parses the bundled Fisher Iris table: 150 rows, four measurements in
// centimetres, labels 0 (setosa), 1 (versicolor) and 2 (virginica).
func Iris() (*Dataset, error) {
	ds, err := ReadCSV(IrisName, bytes.NewReader(irisCSV))
	if err != nil {
		return nil, err
	}
	ds.ClassNames = irisClassNames
	return ds, nil
}
