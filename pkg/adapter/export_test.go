package adapter

var ConvertJSONSchemaToGenai = convertJSONSchemaToGenai
