package inventory

import (
	"context"
	"fmt"
	"io"
	"strings"

	"preorder/internal/apperr"
	"preorder/internal/auth"
	"preorder/internal/model"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// ImportSummary 批量补货结果。
type ImportSummary struct {
	Applied   int      `json:"applied"`
	Unmatched []string `json:"unmatched"`
}

// ImportRestock 读取 .xlsx 第一张表（A 列原料名，B 列数量）批量补货。
// 表头行可选；任一行数量非法则整表回滚。
func (l *Ledger) ImportRestock(ctx context.Context, actor auth.Actor, r io.Reader) (ImportSummary, error) {
	if err := actor.Authorize(auth.ActionManageInventory); err != nil {
		return ImportSummary{}, err
	}

	f, err := excelize.OpenReader(r)
	if err != nil {
		return ImportSummary{}, apperr.Validation("could not read spreadsheet: " + err.Error())
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return ImportSummary{}, apperr.Validation("spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return ImportSummary{}, apperr.Validation("could not read sheet: " + err.Error())
	}

	summary := ImportSummary{Unmatched: make([]string, 0)}
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, row := range rows {
			if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
				continue
			}
			name := strings.TrimSpace(row[0])
			raw := ""
			if len(row) > 1 {
				raw = strings.TrimSpace(row[1])
			}
			qty, perr := decimal.NewFromString(raw)
			if perr != nil {
				if i == 0 {
					// 首行无法解析数量时视为表头
					continue
				}
				return apperr.Validation(fmt.Sprintf("row %d: invalid quantity %q for %s", i+1, raw, name))
			}

			ing, found, err := matchIngredient(tx, name)
			if err != nil {
				return fmt.Errorf("row %d: %w", i+1, err)
			}
			if !found {
				summary.Unmatched = append(summary.Unmatched, name)
				continue
			}
			if err := addIngredient(tx, ing.ID, qty); err != nil {
				return fmt.Errorf("row %d (%s): %w", i+1, name, err)
			}
			summary.Applied++
		}
		return nil
	})
	if err != nil {
		return ImportSummary{}, err
	}
	l.log.Info("restock_imported", "applied", summary.Applied, "unmatched", len(summary.Unmatched))
	return summary, nil
}

// matchIngredient 先按名称精确匹配；没有时退回大小写不敏感匹配，
// 但只在恰好命中一条时采用，多条命中视为表格有歧义。
func matchIngredient(tx *gorm.DB, name string) (model.Ingredient, bool, error) {
	var exact model.Ingredient
	res := tx.Where("name = ?", name).Limit(1).Find(&exact)
	if res.Error != nil {
		return model.Ingredient{}, false, fmt.Errorf("lookup ingredient %q: %w", name, res.Error)
	}
	if res.RowsAffected == 1 {
		return exact, true, nil
	}

	var candidates []model.Ingredient
	if err := tx.Where("LOWER(name) = LOWER(?)", name).Limit(2).Find(&candidates).Error; err != nil {
		return model.Ingredient{}, false, fmt.Errorf("lookup ingredient %q: %w", name, err)
	}
	switch len(candidates) {
	case 0:
		return model.Ingredient{}, false, nil
	case 1:
		return candidates[0], true, nil
	default:
		return model.Ingredient{}, false, apperr.Validation(fmt.Sprintf("%q matches more than one ingredient; use the exact name", name))
	}
}
