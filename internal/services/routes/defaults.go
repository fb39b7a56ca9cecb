package routes

import "github.com/xelth-com/etimsgo/internal/models"

// Defaults is the OSCU endpoint table. Slade paths differ per deployment and are
// loaded with cmd/seed_routes or PUT /api/routes/{operation}.
func Defaults() []models.Route {
	oscu := func(op, path, desc string) models.Route {
		return models.Route{Operation: op, Vendor: models.VendorOSCU, Method: "POST", URLPath: path, Description: desc}
	}
	return []models.Route{
		oscu("DeviceVerificationReq", "/selectInitOsdcInfo", "Device initialization"),
		oscu("CodeSearchReq", "/selectCodeList", "Standard code list"),
		oscu("ItemClsSearchReq", "/selectItemClsList", "Item classification list"),
		oscu("CustSearchReq", "/selectCustomer", "Customer search by PIN"),
		oscu("NoticeSearchReq", "/selectNoticeList", "Notice list"),
		oscu("BhfSearchReq", "/selectBhfList", "Branch list"),
		oscu("BhfCustSaveReq", "/saveBhfCustomer", "Branch customer save"),
		oscu("BhfUserSaveReq", "/saveBhfUser", "Branch user save"),
		oscu("BhfInsuranceSaveReq", "/saveBhfInsurance", "Branch insurance save"),
		oscu("ItemSearchReq", "/selectItemList", "Item list"),
		oscu("ItemSaveReq", "/saveItem", "Item save"),
		oscu("ItemSaveComposition", "/saveItemComposition", "Item composition save"),
		oscu("ImportItemSearchReq", "/selectImportItemList", "Imported item list"),
		oscu("ImportItemUpdateReq", "/updateImportItem", "Imported item update"),
		oscu("TrnsSalesSaveWrReq", "/saveTrnsSalesOsdc", "Sales transaction save"),
		oscu("TrnsPurchaseSalesReq", "/selectTrnsPurchaseSalesList", "Purchase transaction list"),
		oscu("TrnsPurchaseSaveReq", "/insertTrnsPurchase", "Purchase transaction save"),
		oscu("SelectStockMoveReq", "/selectStockMoveList", "Stock movement list"),
		oscu("StockIOSaveReq", "/insertStockIO", "Stock in/out save"),
		oscu("StockMasterSaveReq", "/saveStockMaster", "Stock master save"),
	}
}
