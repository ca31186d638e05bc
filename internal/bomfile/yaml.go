package bomfile

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/bom-pipeline/internal/model"
)

type yamlBOM struct {
	Items []yamlItem `yaml:"items"`
}

type yamlItem struct {
	MPN          string `yaml:"mpn"`
	Manufacturer string `yaml:"manufacturer"`
	Quantity     *int   `yaml:"quantity"`
	Description  string `yaml:"description"`
}

func readYAML(bomID, path string) ([]model.LineItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "bomfile: read yaml")
	}

	var doc yamlBOM
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "bomfile: decode yaml")
	}

	var items []model.LineItem
	for i, it := range doc.Items {
		if strings.TrimSpace(it.MPN) == "" && strings.TrimSpace(it.Manufacturer) == "" {
			continue
		}
		qty := 1
		if it.Quantity != nil {
			if *it.Quantity < 0 {
				return nil, eris.Errorf("bomfile: item %d: invalid quantity %d", i+1, *it.Quantity)
			}
			qty = *it.Quantity
		}
		pos := len(items) + 1
		items = append(items, model.LineItem{
			ID:           LineItemID(bomID, pos),
			BOMID:        bomID,
			Position:     pos,
			MPN:          strings.TrimSpace(it.MPN),
			Manufacturer: strings.TrimSpace(it.Manufacturer),
			Quantity:     qty,
			Description:  strings.TrimSpace(it.Description),
		})
	}
	return items, nil
}
