package protocol

import "strconv"

// Command and response codes of the reverse-engineered protocol. The
// numeric values are a fixed compatibility surface and must not be
// altered. Names are used for diagnostics only.

// App commands (caller → device)
const (
	CmdBrewerPause          uint16 = 8019
	CmdBrewerQuit           uint16 = 8013
	CmdBrewerRestart        uint16 = 8021
	CmdBrewerSetPattern     uint16 = 8016
	CmdBrewerSetTemperature uint16 = 4510
	CmdBrewerStart          uint16 = 4506
	CmdBrewerStop           uint16 = 4507
	CmdGrinderIn            uint16 = 8006
	CmdGrinderPause         uint16 = 8018
	CmdGrinderQuit          uint16 = 8012
	CmdGrinderRestart       uint16 = 8020
	CmdGrinderStart         uint16 = 3500
	CmdGrinderStop          uint16 = 3505
	CmdRecipeExecute        uint16 = 8002
	CmdRecipeSendManual     uint16 = 8004 // recipe without grinding
	CmdRecipeSendAuto       uint16 = 8001 // recipe with grinding
	CmdRecipeStop           uint16 = 40519
	CmdRecipeStartQuit      uint16 = 8017
	CmdSetBypass            uint16 = 8102
	CmdSetCup               uint16 = 8104
	CmdTeaRecipeCode        uint16 = 4513
	CmdTeaRecipeMake        uint16 = 4512
	CmdEasyModeType         uint16 = 11511
	CmdConfirmNext          uint16 = 40516
)

// Scale / tray commands
const (
	CmdScaleLeft        uint16 = 2500
	CmdScaleLeftSingle  uint16 = 2503
	CmdScaleRight       uint16 = 2501
	CmdScaleRightSingle uint16 = 2504
	CmdScaleStop        uint16 = 2505
	CmdScaleVibrate     uint16 = 2502
)

// Response / status codes (device → caller)
const (
	RespAbnormalDoseOrWater  uint16 = 8204
	RespAbnormalGearPosition uint16 = 8203
	RespBloom                uint16 = 40510
	RespBrewerBegin          uint16 = 9005
	RespBrewerCoffeeStart    uint16 = 40502
	RespBrewerIn             uint16 = 8007
	RespBrewerMode           uint16 = 8107
	RespBrewerPause          uint16 = 9010
	RespBrewerTemperature    uint16 = 8108
	RespBypass               uint16 = 40520
	RespBackToHome           uint16 = 8022
	RespBeforeVibration      uint16 = 40527
	RespBrewerStop           uint16 = 40511
	RespCurrentWeight        uint16 = 10507
	RespCurrentWeight2       uint16 = 20501
	RespCalibrateStart       uint16 = 50038
	RespCalibrating          uint16 = 50039
	RespCurrentGrinder       uint16 = 40526
	RespEasyModeBegin        uint16 = 8111
	RespEasyModeRecipeNum    uint16 = 40525
	RespEasyModeRecipeOrder  uint16 = 11512
	RespEasyModeRecipeSend   uint16 = 11510
	RespEasyModeRecipeState  uint16 = 11518
	RespEasyModeType         uint16 = 11511
	RespEnjoy                uint16 = 40512
	RespEnjoy2               uint16 = 40513
	RespErrorIdling          uint16 = 40517
	RespErrorLackOfWater     uint16 = 40522
	RespGrinderBegin         uint16 = 9003
	RespGrinderPause         uint16 = 9009
	RespGrinderSize          uint16 = 8105
	RespGrinderSpeed         uint16 = 8106
	RespGearReport           uint16 = 40505
	RespGrinderStop          uint16 = 40507
	RespInBrewer             uint16 = 9001
	RespInGrinder            uint16 = 9000
	RespInScale              uint16 = 9002
	RespLedType              uint16 = 8103
	RespMachineActivity      uint16 = 8023
	RespMachineInfo          uint16 = 40521
	RespMachineNotSleeping   uint16 = 8011
	RespMachineSleeping      uint16 = 8009
	RespOutBrewer            uint16 = 9006
	RespOutGrinder           uint16 = 9004
	RespOutScale             uint16 = 9008
	RespPods                 uint16 = 40501
	RespTeaChangeSoakTime    uint16 = 8113
	RespTeaPause             uint16 = 40515
	RespTeaRestart           uint16 = 9011
	RespTeaSoak              uint16 = 9012
	RespUnitChange           uint16 = 8015
	RespWaterVolume          uint16 = 40523
	RespWaterSource          uint16 = 4508
)

var commandNames = map[uint16]string{
	CmdBrewerPause:          "APP_BREWER_PAUSE",
	CmdBrewerQuit:           "APP_BREWER_QUIT",
	CmdBrewerRestart:        "APP_BREWER_RESTART",
	CmdBrewerSetPattern:     "APP_BREWER_SET_PATTERN",
	CmdBrewerSetTemperature: "APP_BREWER_SET_TEMPERATURE",
	CmdBrewerStart:          "APP_BREWER_START",
	CmdBrewerStop:           "APP_BREWER_STOP",
	CmdGrinderIn:            "APP_GRINDER_IN",
	CmdGrinderPause:         "APP_GRINDER_PAUSE",
	CmdGrinderQuit:          "APP_GRINDER_QUIT",
	CmdGrinderRestart:       "APP_GRINDER_RESTART",
	CmdGrinderStart:         "APP_GRINDER_START",
	CmdGrinderStop:          "APP_GRINDER_STOP",
	CmdRecipeExecute:        "APP_RECIPE_EXECUTE",
	CmdRecipeSendManual:     "APP_RECIPE_SEND_MANUAL",
	CmdRecipeSendAuto:       "APP_RECIPE_SEND_AUTO",
	CmdRecipeStop:           "APP_RECIPE_STOP",
	CmdRecipeStartQuit:      "APP_RECIPE_START_QUIT",
	CmdSetBypass:            "APP_SET_BYPASS",
	CmdSetCup:               "APP_SET_CUP",
	CmdTeaRecipeCode:        "APP_TEA_RECIP_CODE",
	CmdTeaRecipeMake:        "APP_TEA_RECIP_MAKE",
	CmdConfirmNext:          "APP_CONFIRM_NEXT",
	CmdScaleLeft:            "SG_LEFT",
	CmdScaleLeftSingle:      "SG_LEFT_SINGLE",
	CmdScaleRight:           "SG_RIGHT",
	CmdScaleRightSingle:     "SG_RIGHT_SINGLE",
	CmdScaleStop:            "SG_STOP",
	CmdScaleVibrate:         "SG_VIBRATE",
}

var responseNames = map[uint16]string{
	RespAbnormalDoseOrWater:  "RD_AbnormalDoseOrWater",
	RespAbnormalGearPosition: "RD_AbnormalGearPosition",
	RespBloom:                "RD_BLOOM",
	RespBrewerBegin:          "RD_BREWER_BEGIN",
	RespBrewerCoffeeStart:    "RD_BREWER_COFFEE_START",
	RespBrewerIn:             "RD_BREWER_IN",
	RespBrewerMode:           "RD_BREWER_MODE",
	RespBrewerPause:          "RD_BREWER_PAUSE",
	RespBrewerTemperature:    "RD_BREWER_TEMPERATURE",
	RespBypass:               "RD_BYPASS",
	RespBackToHome:           "RD_BackToHome",
	RespBeforeVibration:      "RD_BeforeVibration",
	RespBrewerStop:           "RD_Brewer_Stop",
	RespCurrentWeight:        "RD_CURRENT_WEIGHT",
	RespCurrentWeight2:       "RD_CURRENT_WEIGHT2",
	RespCalibrateStart:       "RD_CalibrateStart",
	RespCalibrating:          "RD_Calibrating",
	RespCurrentGrinder:       "RD_CurrentGrinder",
	RespEasyModeBegin:        "RD_EASYMODE_BEGIN",
	RespEasyModeRecipeNum:    "RD_EASYMODE_RECIPE_NUM",
	RespEasyModeRecipeOrder:  "RD_EASYMODE_RECIPE_ORDER",
	RespEasyModeRecipeSend:   "RD_EASYMODE_RECIPE_SEND",
	RespEasyModeRecipeState:  "RD_EASYMODE_RECIPE_STATE",
	RespEasyModeType:         "RD_EASYMODE_TYPE",
	RespEnjoy:                "RD_ENJOY",
	RespEnjoy2:               "RD_ENJOY2",
	RespErrorIdling:          "RD_ErrorIdling",
	RespErrorLackOfWater:     "RD_ErrorLackOfWater",
	RespGrinderBegin:         "RD_GRINDER_BEGIN",
	RespGrinderPause:         "RD_GRINDER_PAUSE",
	RespGrinderSize:          "RD_GRINDER_SIZE",
	RespGrinderSpeed:         "RD_GRINDER_SPEED",
	RespGearReport:           "RD_GearReport",
	RespGrinderStop:          "RD_Grinder_Stop",
	RespInBrewer:             "RD_IN_BREWER",
	RespInGrinder:            "RD_IN_GRINDER",
	RespInScale:              "RD_IN_SCALE",
	RespLedType:              "RD_LedType",
	RespMachineActivity:      "RD_MachineActivity",
	RespMachineInfo:          "RD_MachineInfo",
	RespMachineNotSleeping:   "RD_MachineNotSleeping",
	RespMachineSleeping:      "RD_MachineSleeping",
	RespOutBrewer:            "RD_OUT_BREWER",
	RespOutGrinder:           "RD_OUT_GRINDER",
	RespOutScale:             "RD_OUT_SCALE",
	RespPods:                 "RD_Pods",
	RespTeaChangeSoakTime:    "RD_TEA_RECIP_CHANGE_SOAK_TIME",
	RespTeaPause:             "RD_TEA_RECIP_PAUSE",
	RespTeaRestart:           "RD_TEA_RECIP_RESTART",
	RespTeaSoak:              "RD_TEA_RECIP_SOAK",
	RespUnitChange:           "RD_UNIT_CHANGE",
	RespWaterVolume:          "RD_WATER_VOLUME",
	RespWaterSource:          "RD_WaterSource",
}

// CommandName resolves a numeric code to its diagnostic name. Unknown
// codes resolve to a generic label rather than failing, since the
// firmware emits codes the protocol analysis never covered.
func CommandName(code uint16) string {
	if name, ok := commandNames[code]; ok {
		return name
	}
	if name, ok := responseNames[code]; ok {
		return name
	}
	return "UNKNOWN_" + strconv.Itoa(int(code))
}

// IsKnownResponse checks whether a code belongs to the response table
func IsKnownResponse(code uint16) bool {
	_, ok := responseNames[code]
	return ok
}
